package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Backend Connection
	BackendURL         string        `koanf:"backend_url"`
	BackendAnonKey     string        `koanf:"backend_anon_key"`
	BackendHTTPTimeout time.Duration `koanf:"backend_http_timeout"`
	BackendAPIDebug    bool          `koanf:"backend_api_debug"`

	// Sync Scheduler
	SyncInterval      time.Duration `koanf:"sync_interval"`
	SyncRetryDelay    time.Duration `koanf:"sync_retry_delay"`
	SyncMaxRetries    int           `koanf:"sync_max_retries"`
	SyncDebounce      time.Duration `koanf:"sync_debounce"`
	SyncProbeInterval time.Duration `koanf:"sync_probe_interval"`
	MergeStrategy     string        `koanf:"merge_strategy"`

	// Rule Compilation
	RuleLimit       int    `koanf:"rule_limit"`
	InterstitialURL string `koanf:"interstitial_url"`
	RulesetPath     string `koanf:"ruleset_path"`

	// Drop-in Lists
	ListsDir        string   `koanf:"lists_dir"`
	ListsExtensions []string `koanf:"lists_extensions"`

	// Session Management
	SessionRefreshMinGap time.Duration `koanf:"session_refresh_min_gap"`
	SessionRefreshMargin time.Duration `koanf:"session_refresh_margin"`

	// Storage
	DataDir    string        `koanf:"data_dir"`
	CacheQuota int           `koanf:"cache_quota"`
	CacheTTL   time.Duration `koanf:"cache_ttl"`

	// Device
	DeviceName string `koanf:"device_name"`

	// Blocking Behavior
	TempUnblockDefault time.Duration `koanf:"temp_unblock_default"`

	// Operational
	ListenAddr        string        `koanf:"listen_addr"`
	LogLevel          string        `koanf:"log_level"`
	LogFormat         string        `koanf:"log_format"`
	LogFile           string        `koanf:"log_file"`
	LogFileMaxSizeMB  int           `koanf:"log_file_max_size_mb"`
	LogFileMaxBackups int           `koanf:"log_file_max_backups"`
	MetricsEnabled    bool          `koanf:"metrics_enabled"`
	MetricsAddr       string        `koanf:"metrics_addr"`
	HealthAddr        string        `koanf:"health_addr"`
	JanitorInterval   time.Duration `koanf:"janitor_interval"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.BackendURL = stripEnvQuotes(c.BackendURL)
	c.BackendAnonKey = stripEnvQuotes(c.BackendAnonKey)
	c.MergeStrategy = stripEnvQuotes(c.MergeStrategy)
	c.InterstitialURL = stripEnvQuotes(c.InterstitialURL)
	c.RulesetPath = stripEnvQuotes(c.RulesetPath)
	c.ListsDir = stripEnvQuotes(c.ListsDir)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.DeviceName = stripEnvQuotes(c.DeviceName)
	c.ListenAddr = stripEnvQuotes(c.ListenAddr)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.LogFile = stripEnvQuotes(c.LogFile)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)

	for i, s := range c.ListsExtensions {
		c.ListsExtensions[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"backend_http_timeout":    "15s",
		"sync_interval":           "15m",
		"sync_retry_delay":        "30s",
		"sync_max_retries":        5,
		"sync_debounce":           "2s",
		"sync_probe_interval":     "30s",
		"merge_strategy":          "merge",
		"rule_limit":              30000,
		"interstitial_url":        "https://app.fokusapp.dev/blocked",
		"ruleset_path":            "",
		"lists_extensions":        ".txt,.list",
		"session_refresh_min_gap": "5s",
		"session_refresh_margin":  "60s",
		"data_dir":                "data",
		"cache_quota":             4096,
		"cache_ttl":               "24h",
		"temp_unblock_default":    "5m",
		"listen_addr":             "127.0.0.1:8750",
		"log_level":               "info",
		"log_format":              "json",
		"log_file_max_size_mb":    20,
		"log_file_max_backups":    3,
		"metrics_enabled":         true,
		"metrics_addr":            ":9090",
		"health_addr":             ":8081",
		"janitor_interval":        "1h",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. This normalises values set via Docker --env-file, which does not
// strip shell quoting. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. BACKEND_URL → "backend_url"
	// maps to struct tag koanf:"backend_url" without any nesting.
	k := koanf.New(".")

	// Apply defaults first
	defs := defaults()
	if err := k.Load(&rawProvider{data: defs}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Load from environment — use "." as delimiter so env vars aren't split
	// by "_". Our env var names don't contain ".", so they stay flat.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// Inject _FILE secrets
	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Post-process comma-separated list fields that koanf won't split automatically
	cfg.ListsExtensions = splitCSV(k.String("lists_extensions"))

	// Strip Docker env-file quoting from all string values
	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if !strings.HasPrefix(c.BackendURL, "http://") && !strings.HasPrefix(c.BackendURL, "https://") {
		return fmt.Errorf("BACKEND_URL must start with http:// or https://; got %q", c.BackendURL)
	}
	if c.BackendAnonKey == "" {
		return fmt.Errorf("BACKEND_ANON_KEY is required")
	}

	if _, err := blocklist.ParseStrategy(c.MergeStrategy); err != nil {
		return fmt.Errorf("MERGE_STRATEGY: %w", err)
	}

	if c.RuleLimit < 1 || c.RuleLimit > 30000 {
		return fmt.Errorf("RULE_LIMIT must be 1–30000; got %d", c.RuleLimit)
	}

	if !strings.HasPrefix(c.InterstitialURL, "http://") && !strings.HasPrefix(c.InterstitialURL, "https://") {
		return fmt.Errorf("INTERSTITIAL_URL must start with http:// or https://; got %q", c.InterstitialURL)
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be > 0; got %s", c.SyncInterval)
	}
	if c.SyncRetryDelay <= 0 {
		return fmt.Errorf("SYNC_RETRY_DELAY must be > 0; got %s", c.SyncRetryDelay)
	}
	if c.SyncMaxRetries < 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be >= 0; got %d", c.SyncMaxRetries)
	}
	if c.SyncDebounce <= 0 {
		return fmt.Errorf("SYNC_DEBOUNCE must be > 0; got %s", c.SyncDebounce)
	}
	if c.SyncProbeInterval <= 0 {
		return fmt.Errorf("SYNC_PROBE_INTERVAL must be > 0; got %s", c.SyncProbeInterval)
	}

	if c.CacheQuota < 0 {
		return fmt.Errorf("CACHE_QUOTA must be >= 0; got %d", c.CacheQuota)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be > 0; got %s", c.CacheTTL)
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.TempUnblockDefault <= 0 {
		return fmt.Errorf("TEMP_UNBLOCK_DEFAULT must be > 0; got %s", c.TempUnblockDefault)
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	return nil
}

// Strategy returns the validated merge strategy.
func (c *Config) Strategy() blocklist.Strategy {
	s, err := blocklist.ParseStrategy(c.MergeStrategy)
	if err != nil {
		return blocklist.StrategyMerge
	}
	return s
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"backend_anon_key",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			// Also check uppercased env var with _FILE suffix
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		// Strip quotes from file path in case it was quoted in Docker --env-file
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
