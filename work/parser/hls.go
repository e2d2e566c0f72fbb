package parser

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/grafov/m3u8"

	"kptv-proxy/work/cachetier"
	"kptv-proxy/work/config"
	"kptv-proxy/work/fingerprint"
	"kptv-proxy/work/logger"
	"kptv-proxy/work/perror"
)

const playlistFetchTimeout = 30 * time.Second

// rawSuffix and rewrittenSuffix distinguish the two cached forms of a
// playlist sharing the same playlistKey: the text as fetched from the
// origin, and the text served to clients with media URIs rewritten to
// route back through this proxy.
const (
	rawSuffix       = "#raw"
	rewrittenSuffix = "#rewritten"
)

func playlistCacheKey(playlistKey, suffix string) cachetier.Key {
	return cachetier.Key{Fingerprint: playlistKey + suffix, StartRange: 0}
}

// ServePlaylist implements the HLS pipeline (§4.G): derive the playlist
// key, serve the cached rewritten form if present, else fetch, parse,
// rewrite, and cache both forms before streaming the rewritten text. The
// master's playlistKey is salted by the request's Custom-Cache-ID header
// (if any) exactly like any other fingerprint, so a second master fetched
// under a different custom cache id gets its own cache namespace.
func ServePlaylist(d *Deps, w Responder, originURI string, reqHeaders http.Header, proxyBase string) error {
	customID := reqHeaders.Get(d.Cfg.CustomCacheID)
	playlistKey := fingerprint.Of(originURI, customID)
	d.markPlaylist(playlistKey)

	if cached, ok := d.Cache.Get(playlistCacheKey(playlistKey, rewrittenSuffix)); ok {
		return writePlaylist(w, cached)
	}

	raw, err := fetchPlaylistText(d, originURI, reqHeaders)
	if err != nil {
		return err
	}

	// A variant playlist passes on its master's key (recorded when the
	// master was rewritten), so its segments share the master's hlsKey.
	rootKey := d.hlsKeyFor(playlistKey)
	if rootKey == "" {
		rootKey = playlistKey
	}
	rewritten, err := rewritePlaylist(d, raw, originURI, rootKey, customID, proxyBase)
	if err != nil {
		return perror.New(perror.PlaylistParseFailure, err)
	}

	d.Cache.Put(playlistCacheKey(playlistKey, rawSuffix), []byte(raw))
	d.Cache.Put(playlistCacheKey(playlistKey, rewrittenSuffix), []byte(rewritten))

	return writePlaylist(w, []byte(rewritten))
}

func writePlaylist(w Responder, body []byte) error {
	headers := map[string]string{
		"Content-Type":   "application/vnd.apple.mpegurl",
		"Content-Length": fmt.Sprintf("%d", len(body)),
	}
	if err := w.WriteStatus(http.StatusOK, headers); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func fetchPlaylistText(d *Deps, originURI string, reqHeaders http.Header) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), playlistFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURI, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range reqHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, perror.New(perror.OriginUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, perror.Status(resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, perror.New(perror.OriginProtocol, err)
	}
	return buf.Bytes(), nil
}

// rewritePlaylist decodes raw as an HLS master or media playlist and
// rewrites every referenced URI to route back through this proxy,
// recording the master's playlistKey as the hlsKey for every descendant
// so cancelVideoTasks against the master reaches the whole tree. customID
// is carried into both the descendants' own fingerprints and their
// rewritten URIs (as a query parameter) so a segment request re-entering
// the proxy lands back in the same cache namespace its master was fetched
// under, per the custom-cache-id propagation feature.
func rewritePlaylist(d *Deps, raw []byte, originURI, playlistKey, customID, proxyBase string) (string, error) {
	base, err := url.Parse(originURI)
	if err != nil {
		return "", err
	}

	playlist, listType, err := m3u8.Decode(*bytes.NewBuffer(raw), true)
	if err != nil {
		return "", err
	}

	switch listType {
	case m3u8.MASTER:
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return "", fmt.Errorf("hls: decoded MASTER but got %T", playlist)
		}
		for _, variant := range master.Variants {
			if variant == nil {
				continue
			}
			abs, err := resolveURI(base, variant.URI)
			if err != nil {
				logger.Warn("{parser - rewritePlaylist} skipping unresolvable variant URI %q: %v", config.LogURL(d.Cfg, variant.URI), err)
				continue
			}
			variantFP := fingerprint.Of(abs, customID)
			d.recordHLSKey(variantFP, playlistKey)
			variant.URI = rewriteURI(proxyBase, abs, customID)
		}
		return master.Encode().String(), nil

	case m3u8.MEDIA:
		media, ok := playlist.(*m3u8.MediaPlaylist)
		if !ok {
			return "", fmt.Errorf("hls: decoded MEDIA but got %T", playlist)
		}
		for _, seg := range media.Segments {
			if seg == nil {
				continue
			}
			abs, err := resolveURI(base, seg.URI)
			if err != nil {
				logger.Warn("{parser - rewritePlaylist} skipping unresolvable segment URI %q: %v", config.LogURL(d.Cfg, seg.URI), err)
				continue
			}
			segFP := fingerprint.Of(abs, customID)
			d.recordHLSKey(segFP, playlistKey)
			seg.URI = rewriteURI(proxyBase, abs, customID)

			if seg.Map != nil && seg.Map.URI != "" {
				if mapAbs, err := resolveURI(base, seg.Map.URI); err == nil {
					d.recordHLSKey(fingerprint.Of(mapAbs, customID), playlistKey)
					seg.Map.URI = rewriteURI(proxyBase, mapAbs, customID)
				}
			}
			if seg.Key != nil && seg.Key.URI != "" {
				if keyAbs, err := resolveURI(base, seg.Key.URI); err == nil {
					seg.Key.URI = rewriteURI(proxyBase, keyAbs, customID)
				}
			}
		}
		return media.Encode().String(), nil

	default:
		return "", fmt.Errorf("hls: unsupported playlist type %v", listType)
	}
}

func resolveURI(base *url.URL, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty URI")
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(refURL).String(), nil
}

// customCacheIDQueryParam carries a request's custom cache id through a
// rewritten URI, since the segment/variant request re-entering the proxy
// is a fresh HTTP request that won't necessarily repeat the original
// Custom-Cache-ID header.
const customCacheIDQueryParam = "ccid"

// rewriteURI produces the "/<escaped-origin-url>?origin=<escaped-origin-url>"
// form specified for media URIs rewritten to route through this proxy, with
// an additional ccid= sibling parameter when customID is set so the
// re-entering request lands back in the same cache namespace.
func rewriteURI(proxyBase, absoluteURL, customID string) string {
	esc := url.QueryEscape(absoluteURL)
	base := proxyBase
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	out := base + "/" + esc + "?origin=" + esc
	if customID != "" {
		out += "&" + customCacheIDQueryParam + "=" + url.QueryEscape(customID)
	}
	return out
}
