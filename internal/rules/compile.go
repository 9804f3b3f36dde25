package rules

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/fokusapp/fokusd/internal/blocklist"
)

// DefaultLimit is the platform ceiling on declarative rules.
const DefaultLimit = 30000

// Rule is one declarative match-and-redirect record. IDs are assigned 1..N
// and are stable only within a single compilation; every compile reassigns
// the whole set.
type Rule struct {
	ID            int      `json:"id"`
	Priority      int      `json:"priority"`
	URLFilter     string   `json:"urlFilter"`
	ResourceTypes []string `json:"resourceTypes"`
	RedirectURL   string   `json:"redirectUrl"`
}

// LimitError reports a blocklist too large for the rule ceiling.
type LimitError struct {
	Count int
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("blocklist has %d domains, rule ceiling is %d", e.Count, e.Limit)
}

// Compiler turns blocklist snapshots into rule sets.
type Compiler struct {
	limit           int
	interstitialURL string
}

// NewCompiler returns a Compiler with the given rule ceiling and interstitial
// base URL. A limit of 0 means DefaultLimit.
func NewCompiler(limit int, interstitialURL string) *Compiler {
	if limit <= 0 || limit > DefaultLimit {
		limit = DefaultLimit
	}
	return &Compiler{limit: limit, interstitialURL: interstitialURL}
}

// Compile produces one rule per domain. Keywords are never compiled; they are
// evaluated imperatively at navigation time. Fails with *LimitError when the
// domain count exceeds the ceiling; nothing is ever silently dropped.
func (c *Compiler) Compile(bl *blocklist.Blocklist) ([]Rule, error) {
	domains := bl.Canonical().Domains
	if len(domains) > c.limit {
		return nil, &LimitError{Count: len(domains), Limit: c.limit}
	}
	return c.build(domains), nil
}

// CompileTruncated compiles the first limit domains in canonical order and
// reports how many were dropped. Recovery path for LimitError: the caller
// logs and counts the dropped entries so truncation is never silent.
func (c *Compiler) CompileTruncated(bl *blocklist.Blocklist) ([]Rule, int) {
	domains := bl.Canonical().Domains
	dropped := 0
	if len(domains) > c.limit {
		dropped = len(domains) - c.limit
		domains = domains[:c.limit]
	}
	return c.build(domains), dropped
}

func (c *Compiler) build(domains []string) []Rule {
	rules := make([]Rule, 0, len(domains))
	for i, d := range domains {
		rules = append(rules, Rule{
			ID:       i + 1,
			Priority: 1,
			// Anchored host filter: matches the domain, all subdomains, all paths.
			URLFilter:     "||" + d + "^",
			ResourceTypes: []string{"main_frame"},
			RedirectURL:   c.interstitialURL + "?reason=" + url.QueryEscape(d) + "&type=domain",
		})
	}
	return rules
}

// Fingerprint returns a stable identity for a rule set, used to skip
// reinstalling an unchanged set.
func Fingerprint(rules []Rule) string {
	filters := make([]string, 0, len(rules))
	for _, r := range rules {
		filters = append(filters, r.URLFilter)
	}
	sort.Strings(filters)
	h := uint64(1469598103934665603) // FNV-1a
	for _, f := range filters {
		for i := 0; i < len(f); i++ {
			h ^= uint64(f[i])
			h *= 1099511628211
		}
		h ^= '\n'
		h *= 1099511628211
	}
	return fmt.Sprintf("%016x-%d", h, len(rules))
}
