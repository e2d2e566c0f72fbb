// Package client provides the outbound HTTP client used for every origin
// fetch: worker pool ranged GETs, HLS playlist fetches, and pass-through
// streaming.
package client

import (
	"net/http"
	"time"

	"kptv-proxy/work/config"
)

// HeaderSettingClient wraps http.Client to automatically set the headers
// every origin request needs (User-Agent, optional Origin/Referer), so
// callers only ever set Range and pass-through headers themselves.
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config
}

// NewHeaderSettingClient builds a client tuned for long-lived streaming
// fetches: no overall timeout (ranged reads can run for the life of a
// client's playback), but bounded TLS-handshake and response-header
// timeouts so a dead origin surfaces as an error rather than hanging
// forever. No dial timeout is set here; callers bound connects with their
// own request context.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	c := &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &HeaderSettingClient{Client: c, config: cfg}
}

// Do issues req after setting the standard outbound headers.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hsc.config.UserAgent)
	}
	req.Header.Set("Connection", "keep-alive")
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	if hsc.config.ReqOrigin != "" {
		req.Header.Set("Origin", hsc.config.ReqOrigin)
	}
	if hsc.config.ReqReferrer != "" {
		req.Header.Set("Referer", hsc.config.ReqReferrer)
	}
}
