package stats

import (
	"fmt"
	"time"

	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/vmihailenco/msgpack/v5"
)

// Event is one recorded block.
type Event struct {
	ID         string    `msgpack:"id" json:"id"`
	URL        string    `msgpack:"url" json:"url"`
	MatchType  string    `msgpack:"match_type" json:"match_type"` // domain, keyword, github_list
	MatchValue string    `msgpack:"match_value" json:"match_value"`
	OccurredAt time.Time `msgpack:"occurred_at" json:"occurred_at"`
}

// Day is one daily aggregate row.
type Day struct {
	Date       string         `msgpack:"date" json:"date"` // 2006-01-02
	Total      int            `msgpack:"total" json:"total"`
	ByType     map[string]int `msgpack:"by_type" json:"by_type"`
	Events     []Event        `msgpack:"events" json:"-"` // buffered until pushed upstream
	Synced     bool           `msgpack:"synced" json:"-"`
	UpdatedAt  time.Time      `msgpack:"updated_at" json:"updated_at"`
}

// Tracker aggregates block events into per-day rows in the local store.
// Rows stay buffered (Synced=false) until the stats sub-sync pushes them.
type Tracker struct {
	store storage.Store
	now   func() time.Time
}

// NewTracker returns a Tracker over store.
func NewTracker(store storage.Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// DayKey returns the cache key for a date.
func DayKey(date string) string {
	return storage.StatsKeyPrefix + date
}

// Record appends one block event to today's row.
func (t *Tracker) Record(ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = t.now().UTC()
	}
	date := ev.OccurredAt.Format("2006-01-02")

	day, err := t.day(date)
	if err != nil {
		return err
	}
	if day == nil {
		day = &Day{Date: date, ByType: make(map[string]int)}
	}
	day.Total++
	day.ByType[ev.MatchType]++
	day.Events = append(day.Events, ev)
	day.Synced = false
	day.UpdatedAt = t.now().UTC()

	return t.put(day)
}

// Today returns today's row, or an empty row when nothing was blocked yet.
func (t *Tracker) Today() (*Day, error) {
	date := t.now().UTC().Format("2006-01-02")
	day, err := t.day(date)
	if err != nil {
		return nil, err
	}
	if day == nil {
		return &Day{Date: date, ByType: make(map[string]int)}, nil
	}
	return day, nil
}

// All returns every stored day row.
func (t *Tracker) All() ([]Day, error) {
	entries, err := t.store.CacheList()
	if err != nil {
		return nil, err
	}
	var days []Day
	for key, entry := range entries {
		if len(key) <= len(storage.StatsKeyPrefix) || key[:len(storage.StatsKeyPrefix)] != storage.StatsKeyPrefix {
			continue
		}
		var day Day
		if err := msgpack.Unmarshal(entry.Value, &day); err != nil {
			return nil, fmt.Errorf("unmarshal day %s: %w", key, err)
		}
		days = append(days, day)
	}
	return days, nil
}

// Unsynced returns every row still awaiting upload.
func (t *Tracker) Unsynced() ([]Day, error) {
	all, err := t.All()
	if err != nil {
		return nil, err
	}
	var out []Day
	for _, day := range all {
		if !day.Synced {
			out = append(out, day)
		}
	}
	return out, nil
}

// MarkSynced flags a day row as uploaded and drops its buffered events.
func (t *Tracker) MarkSynced(date string) error {
	day, err := t.day(date)
	if err != nil {
		return err
	}
	if day == nil {
		return nil
	}
	day.Synced = true
	day.Events = nil
	return t.put(day)
}

func (t *Tracker) day(date string) (*Day, error) {
	entry, err := t.store.CacheGet(DayKey(date))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	var day Day
	if err := msgpack.Unmarshal(entry.Value, &day); err != nil {
		return nil, fmt.Errorf("unmarshal day %s: %w", date, err)
	}
	return &day, nil
}

func (t *Tracker) put(day *Day) error {
	data, err := msgpack.Marshal(day)
	if err != nil {
		return fmt.Errorf("marshal day %s: %w", day.Date, err)
	}
	return t.store.CacheSet(DayKey(day.Date), data)
}
