package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/fokusapp/fokusd/internal/backend"
	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/fokusapp/fokusd/internal/device"
	"github.com/fokusapp/fokusd/internal/stats"
)

// MockBackend implements backend.Client in memory for testing. State fields
// are exported so tests can seed remote rows and inspect what was pushed.
// All methods are safe for concurrent use.
type MockBackend struct {
	mu sync.Mutex

	// Seeded/captured remote state
	ActiveSession *backend.Session
	RemoteUser    *backend.User
	Blocklist     *blocklist.Blocklist
	Settings      *backend.Settings
	Devices       []device.Device
	Events        []stats.Event
	Days          []stats.Day

	// Call counters by method name
	Calls map[string]int

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
}

// NewMockBackend returns a MockBackend with a signed-in session for user-1.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		ActiveSession: &backend.Session{
			AccessToken:  "test-access",
			RefreshToken: "test-refresh",
			ExpiresAt:    time.Now().Add(time.Hour),
			UserID:       "user-1",
			Email:        "u@example.com",
		},
		Calls:  make(map[string]int),
		errors: make(map[string]error),
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockBackend) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockBackend) enter(method string) error {
	m.Calls[method]++
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// CallCount returns how many times the named method was invoked.
func (m *MockBackend) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[method]
}

// --- Auth -------------------------------------------------------------------

func (m *MockBackend) SignUp(ctx context.Context, email, password string) (*backend.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SignUp"); err != nil {
		return nil, err
	}
	m.ActiveSession = &backend.Session{UserID: "user-1", Email: email, ExpiresAt: time.Now().Add(time.Hour)}
	return m.ActiveSession, nil
}

func (m *MockBackend) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SignIn"); err != nil {
		return nil, err
	}
	m.ActiveSession = &backend.Session{UserID: "user-1", Email: email, ExpiresAt: time.Now().Add(time.Hour)}
	return m.ActiveSession, nil
}

func (m *MockBackend) SignOut(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SignOut"); err != nil {
		return err
	}
	m.ActiveSession = nil
	return nil
}

func (m *MockBackend) RecoverPassword(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("RecoverPassword")
}

func (m *MockBackend) Session() *backend.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ActiveSession == nil {
		return nil
	}
	cp := *m.ActiveSession
	return &cp
}

// --- Tables -----------------------------------------------------------------

func (m *MockBackend) GetUser(ctx context.Context) (*backend.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetUser"); err != nil {
		return nil, err
	}
	if m.RemoteUser == nil {
		return nil, &backend.NotFoundError{What: "user"}
	}
	cp := *m.RemoteUser
	return &cp, nil
}

func (m *MockBackend) GetBlocklist(ctx context.Context, userID string) (*blocklist.Blocklist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetBlocklist"); err != nil {
		return nil, err
	}
	return m.Blocklist.Clone(), nil
}

func (m *MockBackend) UpsertBlocklist(ctx context.Context, userID string, bl *blocklist.Blocklist) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertBlocklist"); err != nil {
		return err
	}
	m.Blocklist = bl.Clone()
	return nil
}

func (m *MockBackend) UpsertDevice(ctx context.Context, userID string, d device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertDevice"); err != nil {
		return err
	}
	for i := range m.Devices {
		if m.Devices[i].ID == d.ID {
			m.Devices[i] = d
			return nil
		}
	}
	m.Devices = append(m.Devices, d)
	return nil
}

func (m *MockBackend) InsertBlockEvents(ctx context.Context, userID string, events []stats.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertBlockEvents"); err != nil {
		return err
	}
	m.Events = append(m.Events, events...)
	return nil
}

func (m *MockBackend) UpsertDayStats(ctx context.Context, userID string, days []stats.Day) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertDayStats"); err != nil {
		return err
	}
	for _, day := range days {
		replaced := false
		for i := range m.Days {
			if m.Days[i].Date == day.Date {
				m.Days[i] = day
				replaced = true
				break
			}
		}
		if !replaced {
			m.Days = append(m.Days, day)
		}
	}
	return nil
}

func (m *MockBackend) GetSettings(ctx context.Context, userID string) (*backend.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetSettings"); err != nil {
		return nil, err
	}
	if m.Settings == nil {
		return nil, nil
	}
	cp := *m.Settings
	return &cp, nil
}

func (m *MockBackend) UpsertSettings(ctx context.Context, userID string, s backend.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertSettings"); err != nil {
		return err
	}
	cp := s
	m.Settings = &cp
	return nil
}

// --- Connectivity -----------------------------------------------------------

func (m *MockBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

func (m *MockBackend) Close() error {
	return nil
}

var _ backend.Client = (*MockBackend)(nil)
