package decision

import (
	"testing"
	"time"

	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/rs/zerolog"
)

func TestAllowlistCoversSubdomains(t *testing.T) {
	al := NewAllowlist()
	if err := al.Add("reddit.com", time.Now().Add(10*time.Minute)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !al.Allowed("reddit.com") {
		t.Error("domain itself should be allowed")
	}
	if !al.Allowed("old.reddit.com") {
		t.Error("subdomain should be covered")
	}
	if al.Allowed("example.com") {
		t.Error("unrelated domain should not be allowed")
	}
}

func TestAllowlistExpiry(t *testing.T) {
	now := time.Now()
	al := NewAllowlist()
	al.now = func() time.Time { return now }

	if err := al.Add("reddit.com", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if !al.Allowed("reddit.com") {
		t.Fatal("entry should be live before the deadline")
	}

	now = now.Add(2 * time.Minute)
	if al.Allowed("reddit.com") {
		t.Error("entry should expire after the deadline")
	}
}

func TestAllowlistLaterDeadlineExtends(t *testing.T) {
	now := time.Now()
	al := NewAllowlist()
	al.now = func() time.Time { return now }

	_ = al.Add("reddit.com", now.Add(time.Minute))
	_ = al.Add("reddit.com", now.Add(time.Hour))
	_ = al.Add("reddit.com", now.Add(time.Second)) // earlier: ignored

	now = now.Add(30 * time.Minute)
	if !al.Allowed("reddit.com") {
		t.Error("the longest deadline should win")
	}
}

func TestAllowlistPrune(t *testing.T) {
	now := time.Now()
	al := NewAllowlist()
	al.now = func() time.Time { return now }

	_ = al.Add("a.example.com", now.Add(time.Minute))
	_ = al.Add("b.example.com", now.Add(time.Hour))

	now = now.Add(10 * time.Minute)
	if removed := al.Prune(); removed != 1 {
		t.Errorf("Prune removed %d, want 1", removed)
	}
	if active := al.Active(); len(active) != 1 {
		t.Errorf("Active = %v, want only the unexpired entry", active)
	}
}

func TestAllowlistRejectsInvalidDomain(t *testing.T) {
	al := NewAllowlist()
	if err := al.Add("   ", time.Now().Add(time.Minute)); err == nil {
		t.Error("blank domain must be rejected")
	}
}

func TestEvaluatorAllowlistBeforeSnapshot(t *testing.T) {
	al := NewAllowlist()
	ev := NewEvaluator(al, zerolog.Nop())

	bl := blocklist.New()
	bl.Domains = []string{"reddit.com"}
	ev.SetSnapshot(NewSnapshot(bl, nil))

	if d := ev.Check("https://reddit.com/"); d == nil {
		t.Fatal("blocked domain should be blocked")
	}
	if err := al.Add("reddit.com", time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if d := ev.Check("https://old.reddit.com/"); d != nil {
		t.Errorf("temporary unblock must take precedence, got %+v", d)
	}
}

func TestEvaluatorEmptyAllowsAll(t *testing.T) {
	ev := NewEvaluator(NewAllowlist(), zerolog.Nop())
	if d := ev.Check("https://anything.example.com/"); d != nil {
		t.Errorf("no snapshot installed yet, got %+v", d)
	}
}
