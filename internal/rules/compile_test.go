package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fokusapp/fokusd/internal/blocklist"
)

const interstitial = "https://app.fokusapp.dev/blocked"

func domains(n int) *blocklist.Blocklist {
	bl := blocklist.New()
	for i := 0; i < n; i++ {
		bl.Domains = append(bl.Domains, fmt.Sprintf("site-%05d.com", i))
	}
	return bl
}

func TestCompileOneRulePerDomainUniqueIDs(t *testing.T) {
	c := NewCompiler(DefaultLimit, interstitial)
	bl := domains(250)

	rules, err := c.Compile(bl)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(rules) != 250 {
		t.Fatalf("rules = %d, want 250", len(rules))
	}
	seen := make(map[int]bool, len(rules))
	for _, r := range rules {
		if r.ID < 1 {
			t.Errorf("rule ID %d must be positive", r.ID)
		}
		if seen[r.ID] {
			t.Errorf("duplicate rule ID %d", r.ID)
		}
		seen[r.ID] = true
		if r.Priority != 1 {
			t.Errorf("priority = %d, want 1", r.Priority)
		}
		if len(r.ResourceTypes) != 1 || r.ResourceTypes[0] != "main_frame" {
			t.Errorf("resource types = %v, want [main_frame]", r.ResourceTypes)
		}
	}
}

func TestCompileFilterShape(t *testing.T) {
	c := NewCompiler(DefaultLimit, interstitial)
	bl := blocklist.New()
	if _, err := bl.AddDomain("blocked.com"); err != nil {
		t.Fatal(err)
	}

	rules, err := c.Compile(bl)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	r := rules[0]
	if r.URLFilter != "||blocked.com^" {
		t.Errorf("URLFilter = %q, want anchored host filter", r.URLFilter)
	}
	if !strings.HasPrefix(r.RedirectURL, interstitial+"?") {
		t.Errorf("RedirectURL = %q, want interstitial base", r.RedirectURL)
	}
	if !strings.Contains(r.RedirectURL, "reason=blocked.com") {
		t.Errorf("RedirectURL = %q, want blocked domain as reason", r.RedirectURL)
	}
}

func TestCompileOverLimitFails(t *testing.T) {
	c := NewCompiler(100, interstitial)
	bl := domains(101)

	_, err := c.Compile(bl)
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Compile = %v, want *LimitError", err)
	}
	if limitErr.Count != 101 || limitErr.Limit != 100 {
		t.Errorf("LimitError = %+v", limitErr)
	}
}

func TestCompileTruncatedReportsDropped(t *testing.T) {
	c := NewCompiler(100, interstitial)
	bl := domains(130)

	rules, dropped := c.CompileTruncated(bl)
	if len(rules) != 100 {
		t.Errorf("rules = %d, want 100", len(rules))
	}
	if dropped != 30 {
		t.Errorf("dropped = %d, want 30", dropped)
	}

	// Within limit nothing is dropped.
	rules, dropped = c.CompileTruncated(domains(50))
	if len(rules) != 50 || dropped != 0 {
		t.Errorf("rules=%d dropped=%d, want 50 and 0", len(rules), dropped)
	}
}

func TestCompileKeywordsNeverCompiled(t *testing.T) {
	c := NewCompiler(DefaultLimit, interstitial)
	bl := blocklist.New()
	if _, err := bl.AddKeyword("casino"); err != nil {
		t.Fatal(err)
	}

	rules, err := c.Compile(bl)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("keywords must not produce rules, got %d", len(rules))
	}
}

func TestFingerprintStableAcrossIDReassignment(t *testing.T) {
	c := NewCompiler(DefaultLimit, interstitial)
	bl := domains(10)

	a, _ := c.Compile(bl)
	b, _ := c.Compile(bl)
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("identical domain sets must fingerprint identically")
	}

	bl2 := domains(11)
	d, _ := c.Compile(bl2)
	if Fingerprint(a) == Fingerprint(d) {
		t.Error("different domain sets must fingerprint differently")
	}
}

func TestFileSinkAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ruleset.json")
	sink := NewFileSink(path)
	c := NewCompiler(DefaultLimit, interstitial)

	first, _ := c.Compile(domains(3))
	if err := sink.Replace(context.Background(), first); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	second, _ := c.Compile(domains(5))
	if err := sink.Replace(context.Background(), second); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got []Rule
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("installed rules = %d, want the replacement set of 5", len(got))
	}

	// No temp litter left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir holds %d entries, want just the ruleset", len(entries))
	}
}
