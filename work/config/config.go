// Package config loads and validates the proxy's configuration, following
// the dual-struct pattern used throughout this module: a typed Config used
// by the engine, and a JSON-friendly ConfigFile used only at the load/save
// boundary.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
)

// Config is the typed, validated configuration consumed by the engine.
type Config struct {
	IP   string
	Port int

	MemoryCacheSize  int64
	StorageCacheSize int64
	SegmentSize      int64
	FirstSegmentSize int64

	CustomCacheID string
	CacheRootPath string

	PoolSize             int
	PerHostRatePerSecond int
	CacheSegments        int

	LogPrint bool
	Debug    bool

	UserAgent   string
	ReqOrigin   string
	ReqReferrer string

	ObfuscateUrls bool
}

// ConfigFile is the on-disk JSON representation. Byte counts and simple
// scalars are carried as-is; there are no duration fields to stringify in
// this configuration, unlike the richer IPTV config this module's loader
// descends from.
type ConfigFile struct {
	IP               string `json:"ip,omitempty"`
	Port             int    `json:"port,omitempty"`
	MemoryCacheSize  int64  `json:"memoryCacheSize,omitempty"`
	StorageCacheSize int64  `json:"storageCacheSize,omitempty"`
	SegmentSize      int64  `json:"segmentSize,omitempty"`
	FirstSegmentSize int64  `json:"firstSegmentSize,omitempty"`
	CustomCacheID    string `json:"customCacheId,omitempty"`
	CacheRootPath    string `json:"cacheRootPath,omitempty"`
	PoolSize         int    `json:"poolSize,omitempty"`
	CacheSegments    int    `json:"cacheSegments,omitempty"`
	LogPrint         bool   `json:"logPrint,omitempty"`
	Debug            bool   `json:"debug,omitempty"`
	UserAgent        string `json:"userAgent,omitempty"`
	ObfuscateUrls    bool   `json:"obfuscateUrls,omitempty"`
}

var (
	cached     *Config
	cachedOnce sync.Once
	loadMu     sync.Mutex
)

// Default returns the documented defaults from the external-interfaces
// section of the specification.
func Default() *Config {
	return &Config{
		IP:                   "127.0.0.1",
		Port:                 20250,
		MemoryCacheSize:      100_000_000,
		StorageCacheSize:     1_000_000_000,
		SegmentSize:          2_000_000,
		FirstSegmentSize:     2_000_000,
		CustomCacheID:        "Custom-Cache-ID",
		PoolSize:             8,
		PerHostRatePerSecond: 0,
		CacheSegments:        2,
		LogPrint:             true,
		UserAgent:            "kptv-proxy/1.0",
	}
}

// LoadConfig reads path if present, falling back to Default() otherwise,
// then validates and fills in any zero-valued fields. It is safe to call
// repeatedly; each call re-reads the file (callers that want a process-wide
// singleton should retain the returned value themselves, matching the
// explicit-Engine design note rather than a package-level global).
func LoadConfig(path string) (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyFile(cfg, &file)
	validateAndSetDefaults(cfg)
	return cfg, nil
}

func applyFile(cfg *Config, f *ConfigFile) {
	if f.IP != "" {
		cfg.IP = f.IP
	}
	if f.Port != 0 {
		cfg.Port = f.Port
	}
	if f.MemoryCacheSize != 0 {
		cfg.MemoryCacheSize = f.MemoryCacheSize
	}
	if f.StorageCacheSize != 0 {
		cfg.StorageCacheSize = f.StorageCacheSize
	}
	if f.SegmentSize != 0 {
		cfg.SegmentSize = f.SegmentSize
	}
	if f.FirstSegmentSize != 0 {
		cfg.FirstSegmentSize = f.FirstSegmentSize
	}
	if f.CustomCacheID != "" {
		cfg.CustomCacheID = f.CustomCacheID
	}
	if f.CacheRootPath != "" {
		cfg.CacheRootPath = f.CacheRootPath
	}
	if f.PoolSize != 0 {
		cfg.PoolSize = f.PoolSize
	}
	if f.CacheSegments != 0 {
		cfg.CacheSegments = f.CacheSegments
	}
	cfg.LogPrint = f.LogPrint
	cfg.Debug = f.Debug
	if f.UserAgent != "" {
		cfg.UserAgent = f.UserAgent
	}
	cfg.ObfuscateUrls = f.ObfuscateUrls
}

// validateAndSetDefaults clamps out-of-range values to safe defaults
// rather than failing startup over a malformed config file.
func validateAndSetDefaults(cfg *Config) {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.MemoryCacheSize < 0 {
		cfg.MemoryCacheSize = 0
	}
	if cfg.StorageCacheSize < 0 {
		cfg.StorageCacheSize = 0
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = Default().SegmentSize
	}
	if cfg.FirstSegmentSize <= 0 {
		cfg.FirstSegmentSize = cfg.SegmentSize
	}
	if cfg.CacheSegments < 1 {
		cfg.CacheSegments = 1
	}
	if cfg.CustomCacheID == "" {
		cfg.CustomCacheID = Default().CustomCacheID
	}
}

// CreateExampleConfig writes a template ConfigFile to path for operators to
// edit by hand.
func CreateExampleConfig(path string) error {
	d := Default()
	example := ConfigFile{
		IP:               d.IP,
		Port:             d.Port,
		MemoryCacheSize:  d.MemoryCacheSize,
		StorageCacheSize: d.StorageCacheSize,
		SegmentSize:      d.SegmentSize,
		FirstSegmentSize: d.SegmentSize / 4,
		CustomCacheID:    d.CustomCacheID,
		PoolSize:         d.PoolSize,
		CacheSegments:    d.CacheSegments,
		LogPrint:         true,
	}
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ObfuscateURL redacts path/query/fragment, keeping scheme and host, for
// logging configurations that set ObfuscateUrls.
func ObfuscateURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}

// LogURL returns rawURL, or an obfuscated form when cfg.ObfuscateUrls is
// set, for use in log lines that might otherwise leak playback URLs.
func LogURL(cfg *Config, rawURL string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return ObfuscateURL(rawURL)
	}
	return rawURL
}

// CacheDir returns the disk tier root, defaulting to a platform cache
// directory under the current user's home when CacheRootPath is unset.
func (c *Config) CacheDir() string {
	if c.CacheRootPath != "" {
		return c.CacheRootPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return strings.TrimRight(home, "/") + "/.cache/kptv-proxy"
}
