package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fokusapp/fokusd/internal/agent"
	"github.com/fokusapp/fokusd/internal/backend"
	"github.com/fokusapp/fokusd/internal/config"
	"github.com/fokusapp/fokusd/internal/events"
	"github.com/fokusapp/fokusd/internal/logger"
	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/fokusapp/fokusd/internal/syncer"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "fokusd",
		Short: "Local website-blocking daemon for Fokus",
	}

	root.AddCommand(
		runCmd(),
		syncCmd(),
		resetCmd(),
		healthcheckCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the blocking daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("fokusd starting")

	a, store, err := buildAgent(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agent.BinaryVersion = Version
	return a.Run(ctx)
}

// buildAgent assembles the store, backend client, and agent from config.
func buildAgent(cfg *config.Config, log zerolog.Logger) (*agent.Agent, storage.Store, error) {
	store, err := storage.NewBboltStore(cfg.DataDir, cfg.CacheQuota)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	store = storage.NewCachedStore(store, cfg.CacheTTL)

	bus := events.NewBus()
	client := backend.NewClient(backend.ClientConfig{
		BaseURL:       cfg.BackendURL,
		AnonKey:       cfg.BackendAnonKey,
		Timeout:       cfg.BackendHTTPTimeout,
		Debug:         cfg.BackendAPIDebug,
		RefreshMinGap: cfg.SessionRefreshMinGap,
		RefreshMargin: cfg.SessionRefreshMargin,
	}, store, bus, log)

	a, err := agent.New(cfg, client, store, bus, log)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("build agent: %w", err)
	}
	return a, store, nil
}

// syncCmd runs a single sync cycle and exits.
func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a one-shot sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			a, store, err := buildAgent(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			rep := a.Syncer().SyncNow(context.Background(), "cli")
			if rep.Skipped != "" {
				return fmt.Errorf("sync skipped: %s", rep.Skipped)
			}
			if rep.Errors > 0 {
				return fmt.Errorf("sync finished with %d error(s)", rep.Errors)
			}
			fmt.Println(formatSyncReport(rep))
			return nil
		},
	}
}

func formatSyncReport(rep *syncer.Report) string {
	return fmt.Sprintf("sync complete: pushed=%t replayed=%d rules=%d elapsed=%s",
		rep.Pushed, rep.Replayed, rep.Rules, rep.Elapsed)
}

// resetCmd clears local sync state: pending queue, retry counters, last-sync marker.
func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear pending sync state and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			a, store, err := buildAgent(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := a.Syncer().Reset(); err != nil {
				return fmt.Errorf("reset sync state: %w", err)
			}
			fmt.Println("sync state cleared")
			return nil
		},
	}
}

// healthcheckCmd exits 0 if the daemon's health endpoint responds.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fokusd %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config. Output goes through
// the redact writer so tokens and credentials never reach the log sink.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var sink io.Writer = os.Stderr
	if cfg.LogFile != "" {
		sink = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileMaxSizeMB,
			MaxBackups: cfg.LogFileMaxBackups,
			Compress:   true,
		}
	}

	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(sink)
		return zerolog.New(cw).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(logger.NewRedactWriter(sink)).Level(level).With().Timestamp().Logger()
}
