// Package proxy implements the HTTP/1.1 proxy server (§4.H): a raw
// accept loop with manual request framing, origin resolution, and
// hand-off to the parser dispatch pipeline.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"kptv-proxy/work/config"
	"kptv-proxy/work/logger"
	"kptv-proxy/work/metrics"
	"kptv-proxy/work/parser"
	"kptv-proxy/work/perror"
)

// State is the server's lifecycle state, per §4.H's state machine:
// STOPPED -> BINDING -> LISTENING -> {LISTENING | DEGRADED -> BINDING}.
type State int32

const (
	Stopped State = iota
	Binding
	Listening
	Degraded
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Binding:
		return "BINDING"
	case Listening:
		return "LISTENING"
	case Degraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

const (
	healthCheckInterval = 10 * time.Second
	healthCheckTimeout  = 1 * time.Second
	restartDelay        = 1 * time.Second
)

// Server owns the listener, its health-check timer, and the broadcast
// error stream described by the failure-semantics section of the
// specification.
type Server struct {
	cfg  *config.Config
	deps *parser.Deps

	state atomic.Int32

	mu        sync.Mutex
	ln        net.Listener
	boundIP   string
	boundPort int

	errMu   sync.Mutex
	errSubs []chan error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Server bound to cfg and the parser dependencies that
// will serve every accepted connection.
func New(cfg *config.Config, deps *parser.Deps) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		stopCh: make(chan struct{}),
	}
}

// Errors returns a channel receiving every BindFailure/HealthCheckFailure
// emitted on the server's broadcast error stream.
func (s *Server) Errors() <-chan error {
	ch := make(chan error, 8)
	s.errMu.Lock()
	s.errSubs = append(s.errSubs, ch)
	s.errMu.Unlock()
	return ch
}

func (s *Server) broadcastError(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	for _, ch := range s.errSubs {
		select {
		case ch <- err:
		default:
		}
	}
}

// State returns the server's current lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// ProxyBase returns the "http://ip:port" base this server is currently
// bound to, for rewriting HLS playlist URIs back through it.
func (s *Server) ProxyBase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://%s:%d", s.boundIP, s.boundPort)
}

// Run binds and serves until Close is called, restarting on bind or
// health-check failure per the §4.H state machine.
func (s *Server) Run() {
	for {
		select {
		case <-s.stopCh:
			s.state.Store(int32(Stopped))
			return
		default:
		}

		s.state.Store(int32(Binding))
		ln, port, err := s.bind(s.cfg.IP, s.cfg.Port)
		if err != nil {
			s.broadcastError(perror.New(perror.BindFailure, err))
			s.state.Store(int32(Degraded))
			time.Sleep(restartDelay)
			continue
		}

		s.mu.Lock()
		s.ln = ln
		s.boundIP = s.cfg.IP
		s.boundPort = port
		s.mu.Unlock()
		s.state.Store(int32(Listening))
		logger.Info("{proxy - Run} listening on %s:%d", s.cfg.IP, port)

		s.serveUntilDegraded(ln)

		if s.State() == Stopped {
			return
		}
	}
}

// bind attempts to listen on ip:port, incrementing port on EADDRINUSE
// until a free port is found.
func (s *Server) bind(ip string, port int) (net.Listener, int, error) {
	for {
		ln, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
		if isAddrInUse(err) {
			logger.Warn("{proxy - bind} port %d in use, trying %d", port, port+1)
			port++
			continue
		}
		return nil, 0, err
	}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}

// serveUntilDegraded accepts connections and runs the health-check timer
// until either a health check fails (DEGRADED, triggering a rebind) or
// Close is called (STOPPED).
func (s *Server) serveUntilDegraded(ln net.Listener) {
	degraded := make(chan struct{})
	var once sync.Once
	markDegraded := func() { once.Do(func() { close(degraded) }) }

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-degraded:
				return
			case <-ticker.C:
				if err := s.healthCheck(); err != nil {
					s.broadcastError(perror.New(perror.HealthCheckFailure, err))
					markDegraded()
					return
				}
			}
		}
	}()

	go func() {
		<-s.stopCh
		ln.Close()
	}()
	go func() {
		<-degraded
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.state.Store(int32(Degraded))
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) healthCheck() error {
	s.mu.Lock()
	addr := net.JoinHostPort(s.boundIP, strconv.Itoa(s.boundPort))
	s.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, healthCheckTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close stops the accept loop, cancels the health-check timer, and
// transitions to STOPPED.
func (s *Server) Close() {
	select {
	case <-s.stopCh:
		return // already closed
	default:
		close(s.stopCh)
	}
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.state.Store(int32(Stopped))
}

// handleConn services exactly one request per connection: read, parse,
// resolve, strip, dispatch, then always close the client socket.
func (s *Server) handleConn(conn net.Conn) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := readRequest(br)
	if err != nil {
		if err != io.EOF {
			logger.Debug("{proxy - handleConn} malformed request from %s: %v", conn.RemoteAddr(), err)
		}
		writeRawStatus(conn, 400, "Bad Request")
		return
	}

	if req.method != "GET" && req.method != "HEAD" {
		writeRawStatus(conn, 405, "Method Not Allowed")
		return
	}

	originURI, customID, err := resolveOriginURI(req)
	if err != nil {
		writeRawStatus(conn, 400, "Bad Request")
		return
	}

	s.mu.Lock()
	proxyHost := net.JoinHostPort(s.boundIP, strconv.Itoa(s.boundPort))
	proxyBase := fmt.Sprintf("http://%s:%d", s.boundIP, s.boundPort)
	s.mu.Unlock()
	stripProxySelfHeaders(req.headers, proxyHost)

	// A rewritten HLS segment/variant URI carries its master's custom cache
	// id as a ccid= query parameter rather than repeating the original
	// header; restore it so the rest of the pipeline sees it the same way
	// it would for a direct request carrying the header itself.
	if customID != "" && req.headers.Get(s.deps.Cfg.CustomCacheID) == "" {
		req.headers.Set(s.deps.Cfg.CustomCacheID, customID)
	}

	responder := newConnResponder(conn)
	go watchForDisconnect(conn, responder)

	if err := parser.Serve(s.deps, responder, originURI, req.headers, proxyBase); err != nil {
		logger.Warn("{proxy - handleConn} serving %s: %v", config.LogURL(s.cfg, originURI), err)
	}
}

// watchForDisconnect detects the peer closing its side mid-stream by
// repeatedly reading one byte under a 2-second deadline; handlers select on responder.ClientGone()
// between window iterations rather than blocking on it directly.
func watchForDisconnect(conn net.Conn, r *connResponder) {
	buf := make([]byte, 1)
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-r.gone:
					return
				default:
					continue
				}
			}
			r.markGone()
			return
		}
		// Any unexpected client-sent byte mid-response is treated the
		// same as a disconnect signal for our purposes: we never expect
		// a request body on this path.
		r.markGone()
		return
	}
}

func writeRawStatus(conn net.Conn, code int, text string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", code, text)
}
