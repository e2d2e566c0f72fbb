package main

import (
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"kptv-proxy/work/config"
	"kptv-proxy/work/engine"
	"kptv-proxy/work/logger"
)

var Version = "v0.1.0"

const defaultConfigPath = "/settings/config.json"

// main boots the proxy: load configuration, wire the Engine, start the raw
// §4.H proxy listener and the separate admin HTTP surface, and run until a
// termination signal arrives.
func main() {
	configPath := os.Getenv("KPTV_PROXY_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("{main} failed to load config from %s: %v", configPath, err)
		os.Exit(1)
	}

	eng := engine.New(cfg)

	logger.Info("{main} starting kptv-proxy %s", Version)
	logger.Info("{main}   - Bind: %s:%d", cfg.IP, cfg.Port)
	logger.Info("{main}   - Pool size: %d", cfg.PoolSize)
	logger.Info("{main}   - Memory cache: %d bytes", cfg.MemoryCacheSize)
	logger.Info("{main}   - Storage cache: %d bytes", cfg.StorageCacheSize)
	logger.Info("{main}   - Segment size: %d bytes (first: %d)", cfg.SegmentSize, cfg.FirstSegmentSize)
	logger.Info("{main}   - Cache root: %s", cfg.CacheDir())

	go eng.Run()

	go func() {
		for err := range eng.OnError() {
			logger.Warn("{main} proxy server error: %v", err)
		}
	}()

	adminAddr := adminListenAddr(cfg)
	adminServer := &http.Server{Addr: adminAddr, Handler: eng.AdminRouter()}
	go func() {
		logger.Info("{main} admin surface (metrics, status) listening on %s", adminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("{main} admin server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("{main} shutting down...")
	_ = adminServer.Close()
	eng.Close()
}

// adminListenAddr binds the admin surface 1000 ports above the configured
// proxy port by default, so both can run without an explicit second
// setting; operators who need control set KPTV_PROXY_ADMIN_ADDR directly.
func adminListenAddr(cfg *config.Config) string {
	if addr := os.Getenv("KPTV_PROXY_ADMIN_ADDR"); addr != "" {
		return addr
	}
	return cfg.IP + ":" + strconv.Itoa(cfg.Port+1000)
}
