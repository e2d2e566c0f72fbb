package proxy

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
)

// connResponder implements parser.Responder over a raw connection: it
// writes the status line and header block manually on first use, matching
// the §4.H framing (no net/http.ResponseWriter involved), and tracks
// whether the peer has gone away.
type connResponder struct {
	conn  net.Conn
	bw    *bufio.Writer
	wrote bool
	gone  chan struct{}
}

func newConnResponder(conn net.Conn) *connResponder {
	return &connResponder{
		conn: conn,
		bw:   bufio.NewWriterSize(conn, 64*1024),
		gone: make(chan struct{}),
	}
}

// WriteStatus writes the status line and headers exactly once; a second
// call is a no-op so handlers can call it defensively on error paths.
func (r *connResponder) WriteStatus(code int, headers map[string]string) error {
	if r.wrote {
		return nil
	}
	r.wrote = true

	if _, err := r.bw.WriteString("HTTP/1.1 " + strconv.Itoa(code) + " " + statusText(code) + "\r\n"); err != nil {
		return err
	}
	for k, v := range headers {
		if _, err := fmt.Fprintf(r.bw, "%s: %s\r\n", k, v); err != nil {
			return err
		}
	}
	if _, err := r.bw.WriteString("Connection: close\r\n\r\n"); err != nil {
		return err
	}
	return r.bw.Flush()
}

func (r *connResponder) Write(p []byte) (int, error) {
	if !r.wrote {
		if err := r.WriteStatus(200, nil); err != nil {
			return 0, err
		}
	}
	n, err := r.bw.Write(p)
	if err == nil {
		err = r.bw.Flush()
	}
	return n, err
}

func (r *connResponder) ClientGone() <-chan struct{} { return r.gone }

// markGone is called by watchForDisconnect once a read on the connection
// fails (other than a deadline timeout) or returns unexpected bytes.
func (r *connResponder) markGone() {
	select {
	case <-r.gone:
	default:
		close(r.gone)
	}
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 206:
		return "Partial Content"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 416:
		return "Range Not Satisfiable"
	case 502:
		return "Bad Gateway"
	default:
		return "Unknown"
	}
}
