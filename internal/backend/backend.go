package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/fokusapp/fokusd/internal/device"
	"github.com/fokusapp/fokusd/internal/stats"
)

// Session is an issued access/refresh token pair.
type Session struct {
	AccessToken  string    `msgpack:"access_token"`
	RefreshToken string    `msgpack:"refresh_token"`
	ExpiresAt    time.Time `msgpack:"expires_at"`
	UserID       string    `msgpack:"user_id"`
	Email        string    `msgpack:"email"`
}

// User is the remote account record.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Settings are the user's synced preferences. Reconciled last-writer-wins
// by UpdatedAt.
type Settings struct {
	InterstitialURL string    `msgpack:"interstitial_url" json:"interstitial_url"`
	MergeStrategy   string    `msgpack:"merge_strategy" json:"merge_strategy"`
	BlockingEnabled bool      `msgpack:"blocking_enabled" json:"blocking_enabled"`
	UpdatedAt       time.Time `msgpack:"updated_at" json:"updated_at"`
}

// Client is the hosted-backend seam: auth endpoints plus the table endpoints
// the sync cycle writes to. All methods accept context for deadline control.
type Client interface {
	// Auth
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
	RecoverPassword(ctx context.Context, email string) error

	// Session returns a copy of the current session, or nil when signed out.
	Session() *Session

	// Tables
	GetUser(ctx context.Context) (*User, error)
	GetBlocklist(ctx context.Context, userID string) (*blocklist.Blocklist, error)
	UpsertBlocklist(ctx context.Context, userID string, bl *blocklist.Blocklist) error
	UpsertDevice(ctx context.Context, userID string, d device.Device) error
	InsertBlockEvents(ctx context.Context, userID string, events []stats.Event) error
	UpsertDayStats(ctx context.Context, userID string, days []stats.Day) error
	GetSettings(ctx context.Context, userID string) (*Settings, error)
	UpsertSettings(ctx context.Context, userID string, s Settings) error

	// Connectivity
	Ping(ctx context.Context) error
	Close() error
}

// --- Typed errors -----------------------------------------------------------

// AuthError is returned on HTTP 401 responses and when no session is active.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s", e.Msg)
}

// NotFoundError is returned when a resource does not exist.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.What)
}

// RateLimitError is returned when the backend signals rate limiting.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// ConflictError is returned when an insert would cause a duplicate. Conflicts
// on upsert paths are benign and callers treat them as success.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Msg)
}
