// Package fingerprint derives the stable, content-addressable keys the rest
// of the proxy uses to name cache entries and download tasks.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
)

// Of returns the lowercase hex digest identifying rawURL, optionally salted
// by customCacheID so otherwise-identical URLs can be partitioned into
// separate cache namespaces. It is stable across runs for identical inputs.
func Of(rawURL, customCacheID string) string {
	sum := md5.Sum([]byte(canonicalize(rawURL) + customCacheID))
	return hex.EncodeToString(sum[:])
}

// HLSKey returns the fingerprint of an HLS master playlist URL, shared by
// every descendant playlist and segment for group cancellation.
func HLSKey(masterURL string) string {
	return Of(masterURL, "")
}

// canonicalize lowercases the scheme and host, strips a default port for
// the scheme, and preserves path and query verbatim.
func canonicalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if hostname, port, ok := strings.Cut(host, ":"); ok {
		if isDefaultPort(u.Scheme, port) {
			host = hostname
		}
	}
	u.Host = host

	return u.String()
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	default:
		return false
	}
}
