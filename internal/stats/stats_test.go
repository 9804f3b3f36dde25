package stats_test

import (
	"errors"
	"testing"
	"time"

	"github.com/fokusapp/fokusd/internal/stats"
	"github.com/fokusapp/fokusd/internal/testutil"
)

func TestRecordAggregatesByDay(t *testing.T) {
	store := testutil.NewMockStore()
	tracker := stats.NewTracker(store)

	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	events := []stats.Event{
		{ID: "e1", URL: "https://reddit.com/", MatchType: "domain", MatchValue: "reddit.com", OccurredAt: at},
		{ID: "e2", URL: "https://reddit.com/r/all", MatchType: "domain", MatchValue: "reddit.com", OccurredAt: at.Add(time.Hour)},
		{ID: "e3", URL: "https://example.com/casino", MatchType: "keyword", MatchValue: "casino", OccurredAt: at.Add(2 * time.Hour)},
	}
	for _, ev := range events {
		if err := tracker.Record(ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := tracker.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d day rows, want 1", len(all))
	}
	day := all[0]
	if day.Date != "2026-08-24" {
		t.Errorf("date = %q", day.Date)
	}
	if day.Total != 3 {
		t.Errorf("total = %d, want 3", day.Total)
	}
	if day.ByType["domain"] != 2 || day.ByType["keyword"] != 1 {
		t.Errorf("by_type = %v", day.ByType)
	}
	if len(day.Events) != 3 {
		t.Errorf("buffered events = %d, want 3", len(day.Events))
	}
}

func TestRecordSplitsAcrossDays(t *testing.T) {
	store := testutil.NewMockStore()
	tracker := stats.NewTracker(store)

	day1 := time.Date(2026, 8, 23, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 24, 0, 1, 0, 0, time.UTC)
	if err := tracker.Record(stats.Event{ID: "e1", URL: "https://a.example/", MatchType: "domain", OccurredAt: day1}); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Record(stats.Event{ID: "e2", URL: "https://a.example/", MatchType: "domain", OccurredAt: day2}); err != nil {
		t.Fatal(err)
	}

	all, err := tracker.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d day rows, want 2", len(all))
	}
}

func TestTodayEmptyRow(t *testing.T) {
	tracker := stats.NewTracker(testutil.NewMockStore())

	day, err := tracker.Today()
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	if day.Total != 0 || len(day.Events) != 0 {
		t.Errorf("empty day = %+v", day)
	}
	if day.Date != time.Now().UTC().Format("2006-01-02") {
		t.Errorf("date = %q", day.Date)
	}
}

func TestMarkSyncedDropsBufferedEvents(t *testing.T) {
	store := testutil.NewMockStore()
	tracker := stats.NewTracker(store)

	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	if err := tracker.Record(stats.Event{ID: "e1", URL: "https://reddit.com/", MatchType: "domain", OccurredAt: at}); err != nil {
		t.Fatal(err)
	}

	unsynced, err := tracker.Unsynced()
	if err != nil {
		t.Fatalf("Unsynced: %v", err)
	}
	if len(unsynced) != 1 {
		t.Fatalf("unsynced = %d, want 1", len(unsynced))
	}

	if err := tracker.MarkSynced("2026-08-24"); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	unsynced, err = tracker.Unsynced()
	if err != nil {
		t.Fatal(err)
	}
	if len(unsynced) != 0 {
		t.Errorf("unsynced after mark = %d, want 0", len(unsynced))
	}

	all, _ := tracker.All()
	if len(all) != 1 || len(all[0].Events) != 0 {
		t.Errorf("aggregate row lost or events kept: %+v", all)
	}
	if all[0].Total != 1 {
		t.Errorf("total = %d, want aggregate preserved", all[0].Total)
	}
}

func TestRecordAfterSyncReopensDay(t *testing.T) {
	store := testutil.NewMockStore()
	tracker := stats.NewTracker(store)

	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	if err := tracker.Record(stats.Event{ID: "e1", URL: "https://reddit.com/", MatchType: "domain", OccurredAt: at}); err != nil {
		t.Fatal(err)
	}
	if err := tracker.MarkSynced("2026-08-24"); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Record(stats.Event{ID: "e2", URL: "https://reddit.com/", MatchType: "domain", OccurredAt: at.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	unsynced, err := tracker.Unsynced()
	if err != nil {
		t.Fatal(err)
	}
	if len(unsynced) != 1 {
		t.Fatalf("unsynced = %d, want reopened day", len(unsynced))
	}
	if unsynced[0].Total != 2 {
		t.Errorf("total = %d, want 2", unsynced[0].Total)
	}
	if len(unsynced[0].Events) != 1 {
		t.Errorf("buffered events = %d, want only the post-sync event", len(unsynced[0].Events))
	}
}

func TestRecordStoreError(t *testing.T) {
	store := testutil.NewMockStore()
	tracker := stats.NewTracker(store)

	store.SetError("CacheGet", errors.New("disk gone"))
	err := tracker.Record(stats.Event{ID: "e1", URL: "https://reddit.com/", MatchType: "domain"})
	if err == nil {
		t.Fatal("expected store error to propagate")
	}
}
