package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fokusapp/fokusd/internal/config"
	"github.com/fokusapp/fokusd/internal/syncer"
	"github.com/spf13/cobra"
)

// buildRoot constructs the root command as main() does, for use in tests.
func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "fokusd",
		Short: "Local website-blocking daemon for Fokus",
	}
	root.AddCommand(runCmd(), syncCmd(), resetCmd(), healthcheckCmd(), versionCmd())
	return root
}

// TestRootSubcommands verifies all expected subcommands are registered.
func TestRootSubcommands(t *testing.T) {
	root := buildRoot()

	registered := make(map[string]bool)
	for _, cmd := range root.Commands() {
		registered[cmd.Use] = true
	}

	for _, want := range []string{"run", "sync", "reset", "version", "healthcheck"} {
		if !registered[want] {
			t.Errorf("subcommand %q not registered on root command", want)
		}
	}
}

// TestVersionOutput verifies the version subcommand prints the binary name.
func TestVersionOutput(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	oldStdout := os.Stdout
	os.Stdout = w

	root := buildRoot()
	root.SetArgs([]string{"version"})
	execErr := root.Execute()

	w.Close()
	os.Stdout = oldStdout

	if execErr != nil {
		t.Fatalf("version command returned error: %v", execErr)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(buf.String(), "fokusd") {
		t.Errorf("version output %q does not contain expected string %q", buf.String(), "fokusd")
	}
}

// TestFormatSyncReport verifies the one-shot sync summary formats every
// field with its proper verb.
func TestFormatSyncReport(t *testing.T) {
	rep := &syncer.Report{Pushed: true, Replayed: 3, Rules: 42, Elapsed: 150 * time.Millisecond}

	got := formatSyncReport(rep)
	want := "sync complete: pushed=true replayed=3 rules=42 elapsed=150ms"
	if got != want {
		t.Errorf("formatSyncReport() = %q, want %q", got, want)
	}

	rep.Pushed = false
	if got := formatSyncReport(rep); !strings.Contains(got, "pushed=false") {
		t.Errorf("formatSyncReport() = %q, want pushed=false", got)
	}
}

// TestRunDaemonMissingConfig verifies runDaemon returns an error (not panics)
// when BACKEND_URL is not set.
func TestRunDaemonMissingConfig(t *testing.T) {
	t.Setenv("BACKEND_URL", "")

	err := runDaemon()
	if err == nil {
		t.Fatal("expected runDaemon() to return an error when BACKEND_URL is missing")
	}
}

// TestLoadMissingRequired verifies config.Load returns a descriptive error
// when required environment variables are absent.
func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("BACKEND_URL", "")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected config.Load() to return an error with missing required vars")
	}
	if !strings.Contains(err.Error(), "BACKEND_URL") {
		t.Errorf("expected error message to mention BACKEND_URL; got: %v", err)
	}
}
