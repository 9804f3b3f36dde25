package decision

import (
	"net/url"
	"strings"

	"github.com/fokusapp/fokusd/internal/blocklist"
)

// Match types reported by Evaluate.
const (
	TypeDomain     = "domain"
	TypeKeyword    = "keyword"
	TypeGithubList = "github_list"
)

// Decision is a single block verdict: what matched and why. A nil *Decision
// means the navigation is allowed.
type Decision struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Source string `json:"source,omitempty"` // list URL for github_list matches
}

// Snapshot is an immutable view of the blocklist, prepared for fast lookup.
// Domain checks run first (exact host, then parent domains), keyword scans
// second; the first match wins. Snapshots are safe for concurrent use.
type Snapshot struct {
	domains  map[string]string // normalized domain -> source list URL ("" = user entry)
	keywords []string          // lowercased
	active   bool
}

// NewSnapshot builds a Snapshot from a blocklist and the domain->source map
// of imported lists. Domains that fail normalization are skipped.
func NewSnapshot(bl *blocklist.Blocklist, sources map[string]string) *Snapshot {
	s := &Snapshot{domains: make(map[string]string)}
	if bl == nil {
		return s
	}
	s.active = bl.IsActive
	for _, d := range bl.Domains {
		nd, err := blocklist.NormalizeDomain(d)
		if err != nil {
			continue
		}
		s.domains[nd] = sources[nd]
	}
	s.keywords = make([]string, 0, len(bl.Keywords))
	for _, kw := range bl.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			s.keywords = append(s.keywords, kw)
		}
	}
	return s
}

// Evaluate returns the block decision for a navigation, or nil to allow.
// An inactive blocklist allows everything.
func (s *Snapshot) Evaluate(rawURL string) *Decision {
	if s == nil || !s.active {
		return nil
	}
	host := hostOf(rawURL)
	if host != "" {
		// Walk the host and its parent domains: news.example.com matches an
		// entry for example.com.
		for h := host; h != ""; h = parentDomain(h) {
			if src, ok := s.domains[h]; ok {
				if src != "" {
					return &Decision{Type: TypeGithubList, Value: h, Source: src}
				}
				return &Decision{Type: TypeDomain, Value: h}
			}
		}
	}
	if len(s.keywords) > 0 {
		lower := strings.ToLower(rawURL)
		for _, kw := range s.keywords {
			if strings.Contains(lower, kw) {
				return &Decision{Type: TypeKeyword, Value: kw}
			}
		}
	}
	return nil
}

// DomainCount reports the number of distinct blocked domains.
func (s *Snapshot) DomainCount() int { return len(s.domains) }

// KeywordCount reports the number of keywords.
func (s *Snapshot) KeywordCount() int { return len(s.keywords) }

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		// Tolerate bare hosts like "example.com/path".
		d, nerr := blocklist.NormalizeDomain(rawURL)
		if nerr != nil {
			return ""
		}
		return d
	}
	d, err := blocklist.NormalizeDomain(u.Host)
	if err != nil {
		return ""
	}
	return d
}

func parentDomain(host string) string {
	i := strings.Index(host, ".")
	if i < 0 {
		return ""
	}
	parent := host[i+1:]
	// Stop before bare TLDs.
	if !strings.Contains(parent, ".") {
		return ""
	}
	return parent
}
