package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fokusapp/fokusd/internal/blocklist"
)

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(key, val)
}

func TestLoadMissingRequired(t *testing.T) {
	// Clear any env vars that might be set
	os.Unsetenv("BACKEND_URL")
	os.Unsetenv("BACKEND_ANON_KEY")

	_, err := Load()
	if err == nil {
		t.Error("expected error when BACKEND_URL missing")
	}
}

func TestLoadMinimalValid(t *testing.T) {
	setEnv(t, "BACKEND_URL", "https://api.fokusapp.dev")
	setEnv(t, "BACKEND_ANON_KEY", "anon-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendURL != "https://api.fokusapp.dev" {
		t.Errorf("BackendURL: got %q", cfg.BackendURL)
	}
	if cfg.BackendAnonKey != "anon-key" {
		t.Errorf("BackendAnonKey: got %q", cfg.BackendAnonKey)
	}
}

func TestFileSecretInjection(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "anon_key.txt")
	if err := os.WriteFile(keyFile, []byte("  secret-from-file  \n"), 0600); err != nil {
		t.Fatal(err)
	}

	setEnv(t, "BACKEND_URL", "https://api.fokusapp.dev")
	setEnv(t, "BACKEND_ANON_KEY_FILE", keyFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with file secret: %v", err)
	}
	if cfg.BackendAnonKey != "secret-from-file" {
		t.Errorf("expected trimmed file secret, got %q", cfg.BackendAnonKey)
	}
}

func TestListsExtensionsParsing(t *testing.T) {
	setEnv(t, "BACKEND_URL", "https://api.fokusapp.dev")
	setEnv(t, "BACKEND_ANON_KEY", "anon-key")
	setEnv(t, "LISTS_EXTENSIONS", ".txt,.list,.hosts")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.ListsExtensions) != 3 {
		t.Fatalf("expected 3 extensions, got %v", cfg.ListsExtensions)
	}
	if cfg.ListsExtensions[2] != ".hosts" {
		t.Errorf("third extension: got %q", cfg.ListsExtensions[2])
	}
}

func TestEnvQuoteStripping(t *testing.T) {
	setEnv(t, "BACKEND_URL", `"https://api.fokusapp.dev"`)
	setEnv(t, "BACKEND_ANON_KEY", "'anon-key'")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendURL != "https://api.fokusapp.dev" {
		t.Errorf("quotes not stripped from BackendURL: %q", cfg.BackendURL)
	}
	if cfg.BackendAnonKey != "anon-key" {
		t.Errorf("quotes not stripped from BackendAnonKey: %q", cfg.BackendAnonKey)
	}
}

func TestDefaults(t *testing.T) {
	setEnv(t, "BACKEND_URL", "https://api.fokusapp.dev")
	setEnv(t, "BACKEND_ANON_KEY", "anon-key")
	// Clear any previously set env vars that override defaults
	os.Unsetenv("MERGE_STRATEGY")
	os.Unsetenv("RULE_LIMIT")
	os.Unsetenv("SYNC_INTERVAL")
	os.Unsetenv("LISTEN_ADDR")
	os.Unsetenv("LISTS_EXTENSIONS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MergeStrategy != "merge" {
		t.Errorf("default MergeStrategy: got %q", cfg.MergeStrategy)
	}
	if cfg.RuleLimit != 30000 {
		t.Errorf("default RuleLimit: got %d", cfg.RuleLimit)
	}
	if cfg.SyncInterval != 15*time.Minute {
		t.Errorf("default SyncInterval: got %s", cfg.SyncInterval)
	}
	if cfg.ListenAddr != "127.0.0.1:8750" {
		t.Errorf("default ListenAddr: got %q", cfg.ListenAddr)
	}
	if cfg.TempUnblockDefault != 5*time.Minute {
		t.Errorf("default TempUnblockDefault: got %s", cfg.TempUnblockDefault)
	}
	if len(cfg.ListsExtensions) != 2 || cfg.ListsExtensions[0] != ".txt" {
		t.Errorf("default ListsExtensions: got %v", cfg.ListsExtensions)
	}
}

func TestStrategyFallsBackToMerge(t *testing.T) {
	cfg := &Config{MergeStrategy: "bogus"}
	if got := cfg.Strategy(); got != blocklist.StrategyMerge {
		t.Errorf("Strategy() = %v, want merge fallback", got)
	}
	cfg.MergeStrategy = "server_wins"
	if got := cfg.Strategy(); got != blocklist.StrategyServerWins {
		t.Errorf("Strategy() = %v, want server_wins", got)
	}
}

// baseEnv sets the minimum required fields for a valid config and clears
// fields that might cause spurious validation failures between test cases.
func baseEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "BACKEND_URL", "https://api.fokusapp.dev")
	setEnv(t, "BACKEND_ANON_KEY", "anon-key")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("LOG_FORMAT")
	os.Unsetenv("MERGE_STRATEGY")
	os.Unsetenv("RULE_LIMIT")
	os.Unsetenv("INTERSTITIAL_URL")
	os.Unsetenv("SYNC_INTERVAL")
	os.Unsetenv("SYNC_DEBOUNCE")
	os.Unsetenv("CACHE_TTL")
	os.Unsetenv("TEMP_UNBLOCK_DEFAULT")
	os.Unsetenv("JANITOR_INTERVAL")
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(t *testing.T)
		wantErr bool
	}{
		{
			name: "valid_minimal",
			setup: func(t *testing.T) {
				// baseEnv already set in each test iteration
			},
			wantErr: false,
		},
		{
			name: "invalid_backend_url_scheme",
			setup: func(t *testing.T) {
				setEnv(t, "BACKEND_URL", "ftp://api.fokusapp.dev")
			},
			wantErr: true,
		},
		{
			name: "invalid_merge_strategy",
			setup: func(t *testing.T) {
				setEnv(t, "MERGE_STRATEGY", "coin_flip")
			},
			wantErr: true,
		},
		{
			name: "valid_merge_strategy_client_wins",
			setup: func(t *testing.T) {
				setEnv(t, "MERGE_STRATEGY", "client_wins")
			},
			wantErr: false,
		},
		{
			name: "invalid_rule_limit_zero",
			setup: func(t *testing.T) {
				setEnv(t, "RULE_LIMIT", "0")
			},
			wantErr: true,
		},
		{
			name: "invalid_rule_limit_too_high",
			setup: func(t *testing.T) {
				setEnv(t, "RULE_LIMIT", "50000")
			},
			wantErr: true,
		},
		{
			name: "invalid_interstitial_url",
			setup: func(t *testing.T) {
				setEnv(t, "INTERSTITIAL_URL", "blocked.html")
			},
			wantErr: true,
		},
		{
			name: "invalid_log_level",
			setup: func(t *testing.T) {
				setEnv(t, "LOG_LEVEL", "invalid")
			},
			wantErr: true,
		},
		{
			name: "valid_log_level_debug",
			setup: func(t *testing.T) {
				setEnv(t, "LOG_LEVEL", "debug")
			},
			wantErr: false,
		},
		{
			name: "invalid_log_format",
			setup: func(t *testing.T) {
				setEnv(t, "LOG_FORMAT", "yaml")
			},
			wantErr: true,
		},
		{
			name: "valid_log_format_text",
			setup: func(t *testing.T) {
				setEnv(t, "LOG_FORMAT", "text")
			},
			wantErr: false,
		},
		{
			name: "invalid_sync_interval_zero",
			setup: func(t *testing.T) {
				setEnv(t, "SYNC_INTERVAL", "0s")
			},
			wantErr: true,
		},
		{
			name: "invalid_sync_debounce_zero",
			setup: func(t *testing.T) {
				setEnv(t, "SYNC_DEBOUNCE", "0s")
			},
			wantErr: true,
		},
		{
			name: "invalid_cache_ttl_zero",
			setup: func(t *testing.T) {
				setEnv(t, "CACHE_TTL", "0s")
			},
			wantErr: true,
		},
		{
			name: "invalid_temp_unblock_zero",
			setup: func(t *testing.T) {
				setEnv(t, "TEMP_UNBLOCK_DEFAULT", "0s")
			},
			wantErr: true,
		},
		{
			name: "invalid_janitor_interval_zero",
			setup: func(t *testing.T) {
				setEnv(t, "JANITOR_INTERVAL", "0s")
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			baseEnv(t)
			tc.setup(t)

			_, err := Load()
			if tc.wantErr && err == nil {
				t.Errorf("expected validation error, got nil")
			} else if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}
