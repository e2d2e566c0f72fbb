package proxy

import (
	"bufio"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"kptv-proxy/work/perror"
)

const maxHeaderBytes = 16 * 1024 // §9 design note: bound header-block buffering

var errBadRequest = errors.New("proxy: malformed request")

type parsedRequest struct {
	method  string
	path    string
	proto   string
	headers http.Header
}

// readRequest reads a single HTTP/1.1 request from r by buffering until
// the blank line terminating the header block, per §4.H framing, bounded
// by maxHeaderBytes to avoid unbounded buffering on a hostile or silent
// peer.
func readRequest(r *bufio.Reader) (*parsedRequest, error) {
	var lines []string
	total := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		total += len(line)
		if total > maxHeaderBytes {
			return nil, errBadRequest
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		lines = append(lines, trimmed)
	}
	if len(lines) == 0 {
		return nil, errBadRequest
	}

	requestLine := strings.Fields(lines[0])
	if len(requestLine) != 3 {
		return nil, errBadRequest
	}

	headers := make(http.Header)
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	return &parsedRequest{
		method:  strings.ToUpper(requestLine[0]),
		path:    requestLine[1],
		proto:   requestLine[2],
		headers: headers,
	}, nil
}

// customCacheIDQueryParam mirrors the parser package's constant of the same
// name: the sibling query parameter a rewritten HLS URI carries a request's
// custom cache id in, since it re-enters as a fresh request that otherwise
// would not repeat the original header.
const customCacheIDQueryParam = "ccid"

// resolveOriginURI implements the §4.H origin resolution rule: an absolute
// path is used verbatim; otherwise an explicit origin= query parameter;
// otherwise a URI synthesized from Host and X-Forwarded-Proto. It also
// returns any ccid= query parameter alongside, for the caller to restore
// as the configured Custom-Cache-ID header before dispatch.
func resolveOriginURI(req *parsedRequest) (string, string, error) {
	path := req.path
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, "", nil
	}

	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		query := path[idx+1:]
		origin, customID := "", ""
		found := false
		for _, pair := range strings.Split(query, "&") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			switch k {
			case "origin":
				if decoded, err := url.QueryUnescape(v); err == nil {
					origin = decoded
				} else {
					origin = v
				}
				found = true
			case customCacheIDQueryParam:
				if decoded, err := url.QueryUnescape(v); err == nil {
					customID = decoded
				} else {
					customID = v
				}
			}
		}
		if found {
			return origin, customID, nil
		}
	}

	host := req.headers.Get("Host")
	if host == "" {
		return "", "", perror.New(perror.OriginProtocol, errBadRequest)
	}
	proto := req.headers.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
	}
	return proto + "://" + host + path, "", nil
}

// stripProxySelfHeaders removes headers that describe this proxy itself
// rather than the resolved origin, so the downstream client supplies the
// correct Host for the origin request.
func stripProxySelfHeaders(h http.Header, proxyHost string) {
	if h.Get("Host") == proxyHost {
		h.Del("Host")
	}
	h.Del("X-Forwarded-Host")
	h.Del("X-Forwarded-For")
}
