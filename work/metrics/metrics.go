// Package metrics exposes the Prometheus instruments scraped by the
// ambient admin surface's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kptv_proxy_active_connections",
		Help: "Number of client connections currently being served.",
	})

	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kptv_proxy_bytes_transferred_total",
		Help: "Bytes transferred, labeled by direction (origin_in, client_out).",
	}, []string{"direction"})

	CacheBytesResident = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kptv_proxy_cache_bytes_resident",
		Help: "Bytes currently resident per cache tier (memory, disk).",
	}, []string{"tier"})

	TaskCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kptv_proxy_task_count",
		Help: "Number of download tasks currently in each status.",
	}, []string{"status"})

	OriginFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kptv_proxy_origin_fetch_errors_total",
		Help: "Origin fetch failures, labeled by error kind.",
	}, []string{"kind"})
)
