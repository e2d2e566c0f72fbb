// Package parser implements the parser dispatch (E), MP4 range pipeline
// (F), and HLS pipeline (G): choosing a handler per request URI and
// serving the response from cache plus on-demand origin fetches.
package parser

import (
	"net/http"
	"strings"

	"github.com/grafana/regexp"
)

// Kind is the small enum of handlers the dispatcher can select, matching
// the "reflection / dynamic dispatch resolves to an enum" design note.
type Kind int

const (
	MP4Range Kind = iota
	HLSPlaylist
	HLSSegment
	PassThrough
)

var segmentSuffixes = regexp.MustCompile(`(?i)\.(ts|aac|m4s|mp4a|mp4v|m4i|m4f)$`)

// KnownPlaylistKey reports whether fp is tied to an HLS playlist this
// process has already seen. Serve passes Deps.HasHLSKey (fp is a segment or
// descendant playlist of a rewritten master), which the dispatcher uses to
// distinguish an HLS segment URI from an arbitrary byte-addressable
// resource sharing the same suffix conventions.
type KnownPlaylistKey func(fingerprint string) bool

// Classify selects a handler for uri given its query string and, for
// segment suffixes, whether a playlist key is already known for it.
func Classify(uri string, hdr http.Header, knownPlaylistFingerprint string, known KnownPlaylistKey) Kind {
	path, query := splitPathQuery(uri)

	if strings.HasSuffix(strings.ToLower(path), ".m3u8") || query.Get("m3u8") == "true" {
		return HLSPlaylist
	}
	if ct := hdr.Get("Content-Type"); strings.Contains(ct, "application/vnd.apple.mpegurl") {
		return HLSPlaylist
	}

	if segmentSuffixes.MatchString(path) && known != nil && known(knownPlaylistFingerprint) {
		return HLSSegment
	}

	if strings.HasPrefix(strings.ToLower(uri), "http://") || strings.HasPrefix(strings.ToLower(uri), "https://") {
		return MP4Range
	}

	return PassThrough
}

func splitPathQuery(uri string) (string, urlValues) {
	path, query := uri, ""
	if idx := strings.IndexByte(uri, '?'); idx >= 0 {
		path, query = uri[:idx], uri[idx+1:]
	}
	return path, parseQuery(query)
}

type urlValues map[string]string

func (v urlValues) Get(key string) string { return v[key] }

func parseQuery(q string) urlValues {
	out := urlValues{}
	for _, pair := range strings.Split(q, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		out[k] = v
	}
	return out
}
