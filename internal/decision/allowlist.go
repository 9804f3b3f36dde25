package decision

import (
	"strings"
	"sync"
	"time"

	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/fokusapp/fokusd/internal/metrics"
	"github.com/rs/zerolog"
)

// Allowlist holds temporary unblocks: domains the user has explicitly let
// through until a deadline. Entries cover subdomains and expire lazily on
// lookup; the janitor prunes the rest.
type Allowlist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewAllowlist returns an empty Allowlist.
func NewAllowlist() *Allowlist {
	return &Allowlist{entries: make(map[string]time.Time), now: time.Now}
}

// Add allows domain (and its subdomains) until the deadline. A later deadline
// for the same domain extends the existing entry; an earlier one is ignored.
func (a *Allowlist) Add(domain string, until time.Time) error {
	d, err := blocklist.NormalizeDomain(domain)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.entries[d]; !ok || until.After(existing) {
		a.entries[d] = until
	}
	metrics.TempUnblocks.Inc()
	return nil
}

// Remove drops an entry before it expires.
func (a *Allowlist) Remove(domain string) {
	d, err := blocklist.NormalizeDomain(domain)
	if err != nil {
		return
	}
	a.mu.Lock()
	delete(a.entries, d)
	a.mu.Unlock()
}

// Allowed reports whether host is covered by an unexpired entry for itself or
// any parent domain. Expired entries are dropped on the way through.
func (a *Allowlist) Allowed(host string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for h := host; h != ""; h = parentDomain(h) {
		until, ok := a.entries[h]
		if !ok {
			continue
		}
		if now.Before(until) {
			return true
		}
		delete(a.entries, h)
	}
	return false
}

// Prune drops all expired entries and returns how many were removed.
func (a *Allowlist) Prune() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	removed := 0
	for d, until := range a.entries {
		if !now.Before(until) {
			delete(a.entries, d)
			removed++
		}
	}
	return removed
}

// Active returns the unexpired entries as domain -> deadline.
func (a *Allowlist) Active() map[string]time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	out := make(map[string]time.Time, len(a.entries))
	for d, until := range a.entries {
		if now.Before(until) {
			out[d] = until
		}
	}
	return out
}

// Evaluator is the navigation gatekeeper: temporary unblocks are consulted
// first, then the current blocklist snapshot. The snapshot pointer is swapped
// wholesale on blocklist changes.
type Evaluator struct {
	mu        sync.RWMutex
	snapshot  *Snapshot
	allowlist *Allowlist
	log       zerolog.Logger
}

// NewEvaluator returns an Evaluator that allows everything until the first
// SetSnapshot.
func NewEvaluator(allowlist *Allowlist, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		snapshot:  NewSnapshot(nil, nil),
		allowlist: allowlist,
		log:       log.With().Str("component", "evaluator").Logger(),
	}
}

// SetSnapshot installs a new blocklist snapshot.
func (e *Evaluator) SetSnapshot(s *Snapshot) {
	e.mu.Lock()
	e.snapshot = s
	e.mu.Unlock()
	metrics.BlocklistSize.WithLabelValues("domains").Set(float64(s.DomainCount()))
	metrics.BlocklistSize.WithLabelValues("keywords").Set(float64(s.KeywordCount()))
	e.log.Debug().
		Int("domains", s.DomainCount()).
		Int("keywords", s.KeywordCount()).
		Msg("blocklist snapshot installed")
}

// Allowlist exposes the evaluator's temporary-unblock list.
func (e *Evaluator) Allowlist() *Allowlist { return e.allowlist }

// Check evaluates a navigation URL. A nil Decision means allow.
func (e *Evaluator) Check(rawURL string) *Decision {
	e.mu.RLock()
	snap := e.snapshot
	e.mu.RUnlock()

	if host := hostOf(rawURL); host != "" && e.allowlist != nil && e.allowlist.Allowed(host) {
		e.log.Debug().Str("host", host).Msg("allowed by temporary unblock")
		return nil
	}
	d := snap.Evaluate(rawURL)
	if d != nil {
		metrics.BlockDecisions.WithLabelValues(d.Type).Inc()
		e.log.Debug().
			Str("url", truncateURL(rawURL)).
			Str("type", d.Type).
			Str("value", d.Value).
			Msg("navigation blocked")
	}
	return d
}

// truncateURL keeps log lines bounded on pathological URLs.
func truncateURL(u string) string {
	if len(u) > 200 {
		return u[:200] + "..."
	}
	return strings.TrimSpace(u)
}
