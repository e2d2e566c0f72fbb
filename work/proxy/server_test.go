package proxy

import (
	"net"
	"testing"

	"kptv-proxy/work/config"
)

// TestBindIncrementsPortOnAddrInUse covers the §4.H boundary behavior: when
// the configured port is already bound, bind must retry on the next port
// rather than failing outright.
func TestBindIncrementsPortOnAddrInUse(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to occupy a port: %v", err)
	}
	defer occupied.Close()

	occupiedPort := occupied.Addr().(*net.TCPAddr).Port

	s := New(config.Default(), nil)
	ln, port, err := s.bind("127.0.0.1", occupiedPort)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer ln.Close()

	if port == occupiedPort {
		t.Fatalf("expected bind to move off the occupied port %d, got the same port", occupiedPort)
	}
	if port <= occupiedPort {
		t.Fatalf("expected bind to increment past the occupied port %d, got %d", occupiedPort, port)
	}
	if ln.Addr().(*net.TCPAddr).Port != port {
		t.Fatalf("returned port %d does not match the listener's bound port %d", port, ln.Addr().(*net.TCPAddr).Port)
	}
}
