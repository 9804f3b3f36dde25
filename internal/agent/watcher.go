package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher folds local list files into the blocklist and reloads them when
// they change on disk.
type Watcher struct {
	agent      *Agent
	dir        string
	extensions []string
	debounce   time.Duration
	log        zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a Watcher over dir. Only files whose extension appears in
// extensions are considered list files.
func NewWatcher(a *Agent, dir string, extensions []string, debounce time.Duration, log zerolog.Logger) *Watcher {
	return &Watcher{
		agent:      a,
		dir:        dir,
		extensions: extensions,
		debounce:   debounce,
		log:        log.With().Str("component", "watcher").Logger(),
	}
}

// Run loads the directory once, then watches it until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.reload(ctx); err != nil {
		w.log.Warn().Err(err).Msg("initial list directory load failed")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info().Str("dir", w.dir).Msg("watching list directory")

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !w.isListFile(ev.Name) {
				continue
			}
			w.scheduleReload(ctx, ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("fs watcher error")
		}
	}
}

// scheduleReload coalesces a burst of events (editors write several times)
// into a single reload after the debounce window.
func (w *Watcher) scheduleReload(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.log.Debug().Str("file", filepath.Base(name)).Msg("list file changed, reload scheduled")
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		if err := w.reload(ctx); err != nil {
			w.log.Warn().Err(err).Msg("list directory reload failed")
		}
	})
}

// reload parses every list file in the directory and adds any new domains to
// the local blocklist. Files never remove domains: deleting an entry from a
// list file leaves previously imported domains in place.
func (w *Watcher) reload(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read list dir: %w", err)
	}

	var domains []string
	for _, entry := range entries {
		if entry.IsDir() || !w.isListFile(entry.Name()) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			w.log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping unreadable list file")
			continue
		}
		parsed, perr := blocklist.ParseList(f)
		f.Close()
		if perr != nil {
			w.log.Warn().Err(perr).Str("file", entry.Name()).Msg("skipping unparseable list file")
			continue
		}
		domains = append(domains, parsed...)
	}
	if len(domains) == 0 {
		return nil
	}

	bl, err := w.agent.loadBlocklist()
	if err != nil {
		return err
	}
	oldRaw := w.agent.rawBlocklist()
	if bl == nil {
		bl = blocklist.New()
	}

	added := 0
	for _, d := range domains {
		changed, err := bl.AddDomain(d)
		if err != nil {
			continue
		}
		if changed {
			added++
		}
	}
	if added == 0 {
		return nil
	}
	if err := w.agent.saveBlocklist(ctx, oldRaw, bl); err != nil {
		return err
	}
	w.log.Info().Int("added", added).Int("total", len(bl.Domains)).
		Msg("local list files merged into blocklist")
	return nil
}

func (w *Watcher) isListFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range w.extensions {
		if strings.EqualFold(strings.TrimSpace(e), ext) {
			return true
		}
	}
	return false
}
