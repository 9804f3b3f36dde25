package blocklist

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrEmptyDomain is returned when a domain normalizes to the empty string.
var ErrEmptyDomain = errors.New("domain is empty")

// ErrEmptyKeyword is returned when a keyword is blank after trimming.
var ErrEmptyKeyword = errors.New("keyword is empty")

// ErrInvalidDomain is returned when a value cannot be a hostname.
type ErrInvalidDomain struct {
	Value string
}

func (e *ErrInvalidDomain) Error() string {
	return fmt.Sprintf("invalid domain: %q", e.Value)
}

// Blocklist is a user's set of blocked sites. Domains are stored normalized
// (lowercase, no scheme, no www. prefix, no path or port); keywords are
// matched case-insensitively against full URLs. GithubURLs records the source
// lists whose domains have already been merged into Domains.
type Blocklist struct {
	Keywords   []string  `msgpack:"keywords" json:"keywords"`
	Domains    []string  `msgpack:"domains" json:"domains"`
	GithubURLs []string  `msgpack:"github_urls" json:"github_urls"`
	IsActive   bool      `msgpack:"is_active" json:"is_active"`
	UpdatedAt  time.Time `msgpack:"updated_at" json:"updated_at"`
}

// New returns an empty, active blocklist.
func New() *Blocklist {
	return &Blocklist{IsActive: true}
}

// Clone returns a deep copy.
func (b *Blocklist) Clone() *Blocklist {
	if b == nil {
		return nil
	}
	cp := &Blocklist{
		Keywords:   append([]string(nil), b.Keywords...),
		Domains:    append([]string(nil), b.Domains...),
		GithubURLs: append([]string(nil), b.GithubURLs...),
		IsActive:   b.IsActive,
		UpdatedAt:  b.UpdatedAt,
	}
	return cp
}

// NormalizeDomain lowercases raw and strips scheme, userinfo, www. prefix,
// wildcard prefix, port, path, and trailing dots. It fails if nothing that
// could be a hostname remains.
func NormalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	if d == "" {
		return "", ErrEmptyDomain
	}
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, "@"); i >= 0 {
		d = d[i+1:]
	}
	if i := strings.LastIndex(d, ":"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimSuffix(d, ".")
	d = strings.TrimPrefix(d, "*.")
	d = strings.TrimPrefix(d, "www.")
	if d == "" {
		return "", ErrEmptyDomain
	}
	if !validHostname(d) {
		return "", &ErrInvalidDomain{Value: raw}
	}
	return d, nil
}

// validHostname accepts dotted labels of [a-z0-9-] with no empty labels and
// no label starting or ending with a hyphen.
func validHostname(d string) bool {
	if len(d) > 253 || !strings.Contains(d, ".") {
		return false
	}
	for _, label := range strings.Split(d, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if c != '-' && (c < 'a' || c > 'z') && (c < '0' || c > '9') {
				return false
			}
		}
	}
	return true
}

// AddDomain normalizes raw and appends it if absent.
// Returns true when the set changed.
func (b *Blocklist) AddDomain(raw string) (bool, error) {
	d, err := NormalizeDomain(raw)
	if err != nil {
		return false, err
	}
	for _, existing := range b.Domains {
		if existing == d {
			return false, nil
		}
	}
	b.Domains = append(b.Domains, d)
	b.touch()
	return true, nil
}

// RemoveDomain removes raw (normalized) from the set.
// Returns true when an entry was removed.
func (b *Blocklist) RemoveDomain(raw string) bool {
	d, err := NormalizeDomain(raw)
	if err != nil {
		return false
	}
	for i, existing := range b.Domains {
		if existing == d {
			b.Domains = append(b.Domains[:i], b.Domains[i+1:]...)
			b.touch()
			return true
		}
	}
	return false
}

// AddKeyword appends a keyword if no case-insensitive duplicate exists.
// Returns true when the set changed.
func (b *Blocklist) AddKeyword(raw string) (bool, error) {
	kw := strings.TrimSpace(raw)
	if kw == "" {
		return false, ErrEmptyKeyword
	}
	for _, existing := range b.Keywords {
		if strings.EqualFold(existing, kw) {
			return false, nil
		}
	}
	b.Keywords = append(b.Keywords, kw)
	b.touch()
	return true, nil
}

// RemoveKeyword removes a keyword by case-insensitive match.
// Returns true when an entry was removed.
func (b *Blocklist) RemoveKeyword(raw string) bool {
	kw := strings.TrimSpace(raw)
	for i, existing := range b.Keywords {
		if strings.EqualFold(existing, kw) {
			b.Keywords = append(b.Keywords[:i], b.Keywords[i+1:]...)
			b.touch()
			return true
		}
	}
	return false
}

// AddGithubURL records a source list URL if absent.
// Returns true when the set changed.
func (b *Blocklist) AddGithubURL(u string) bool {
	u = strings.TrimSpace(u)
	if u == "" {
		return false
	}
	for _, existing := range b.GithubURLs {
		if existing == u {
			return false
		}
	}
	b.GithubURLs = append(b.GithubURLs, u)
	b.touch()
	return true
}

func (b *Blocklist) touch() {
	b.UpdatedAt = time.Now().UTC()
}

// Canonical returns a copy in canonical form: keywords lowercased, all three
// sets deduplicated and sorted. All structural comparisons go through this.
func (b *Blocklist) Canonical() *Blocklist {
	if b == nil {
		return nil
	}
	cp := &Blocklist{
		Keywords:   canonSet(b.Keywords, strings.ToLower),
		Domains:    canonSet(b.Domains, nil),
		GithubURLs: canonSet(b.GithubURLs, nil),
		IsActive:   b.IsActive,
		UpdatedAt:  b.UpdatedAt,
	}
	return cp
}

// Equal compares the canonical forms of two blocklists. Ordering-only
// differences are not changes; UpdatedAt is ignored.
func (b *Blocklist) Equal(other *Blocklist) bool {
	if b == nil || other == nil {
		return b == nil && other == nil
	}
	cb, co := b.Canonical(), other.Canonical()
	return cb.IsActive == co.IsActive &&
		equalSlices(cb.Keywords, co.Keywords) &&
		equalSlices(cb.Domains, co.Domains) &&
		equalSlices(cb.GithubURLs, co.GithubURLs)
}

func canonSet(values []string, transform func(string) string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if transform != nil {
			v = transform(v)
		}
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
