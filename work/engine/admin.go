package engine

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kptv-proxy/work/middleware"
)

// statusResponse is the JSON body served at /status: a snapshot of task
// counts and cache occupancy alongside the merged cached-video list,
// the ambient observability surface described in SPEC_FULL.md §12, kept
// separate from the raw proxy listener so /status's JSON is never confused
// with proxied media bytes on the §4.H connection.
type statusResponse struct {
	TaskCount         int                   `json:"taskCount"`
	ActiveTaskCount   int                   `json:"activeTaskCount"`
	MemoryResidentB   int64                 `json:"memoryResidentBytes"`
	DiskResidentBytes int64                 `json:"diskResidentBytes"`
	CachedVideos      []cachedVideoInfoJSON `json:"cachedVideos"`
}

type cachedVideoInfoJSON struct {
	Key         string `json:"key"`
	URL         string `json:"url,omitempty"`
	StartRange  int64  `json:"startRange"`
	EndRange    string `json:"endRange,omitempty"`
	CachedBytes int64  `json:"cachedBytes"`
	TotalBytes  int64  `json:"totalBytes"`
	CacheDir    string `json:"cacheDir,omitempty"`
}

// AdminRouter builds the gorilla/mux router exposing /metrics (Prometheus,
// via promhttp.Handler) and /status (JSON), both gzip-compressed for
// clients that advertise it, separate from the raw §4.H proxy listener
// this Engine also runs.
func (e *Engine) AdminRouter() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", middleware.GzipMiddleware(e.handleStatus)).Methods(http.MethodGet)
	return r
}

func (e *Engine) handleStatus(w http.ResponseWriter, r *http.Request) {
	videos := e.GetCachedVideos()
	out := make([]cachedVideoInfoJSON, 0, len(videos))
	for _, v := range videos {
		item := cachedVideoInfoJSON{
			Key:         v.Key,
			URL:         v.URL,
			StartRange:  v.StartRange,
			CachedBytes: v.CachedBytes,
			TotalBytes:  v.TotalBytes,
			CacheDir:    v.CacheDir,
		}
		if v.EndRange != nil {
			item.EndRange = strconv.FormatInt(*v.EndRange, 10)
		}
		out = append(out, item)
	}

	resp := statusResponse{
		TaskCount:         e.GetTaskCount(),
		ActiveTaskCount:   e.GetActiveTaskCount(),
		MemoryResidentB:   e.Cache.MemoryResidentBytes(),
		DiskResidentBytes: e.Cache.DiskResidentBytes(),
		CachedVideos:      out,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
