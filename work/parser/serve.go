package parser

import (
	"context"
	"io"
	"net/http"

	"kptv-proxy/work/fingerprint"
	"kptv-proxy/work/perror"
)

// Serve is the parser dispatch entry point (§4.E): it classifies originURI
// and routes to the HLS playlist pipeline (G), the MP4 range pipeline (F),
// or a pass-through that streams the origin verbatim without caching.
func Serve(d *Deps, w Responder, originURI string, reqHeaders http.Header, proxyBase string) error {
	customID := reqHeaders.Get(d.Cfg.CustomCacheID)
	fp := fingerprint.Of(originURI, customID)

	switch Classify(originURI, reqHeaders, fp, d.HasHLSKey) {
	case HLSPlaylist:
		return ServePlaylist(d, w, originURI, reqHeaders, proxyBase)
	case HLSSegment:
		return ServeRange(d, w, originURI, reqHeaders)
	case MP4Range:
		return ServeRange(d, w, originURI, reqHeaders)
	default:
		return passThrough(d, w, originURI, reqHeaders)
	}
}

// passThrough streams originURI's response straight to the client without
// ever touching the cache, for schemes/resources that don't fit the
// byte-range or playlist models.
func passThrough(d *Deps, w Responder, originURI string, reqHeaders http.Header) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, originURI, nil)
	if err != nil {
		return err
	}
	for k, vs := range reqHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return perror.New(perror.OriginUnreachable, err)
	}
	defer resp.Body.Close()

	headers := map[string]string{}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		headers["Content-Type"] = ct
	}
	if err := w.WriteStatus(resp.StatusCode, headers); err != nil {
		return err
	}

	_, err = io.Copy(w, resp.Body)
	return err
}
