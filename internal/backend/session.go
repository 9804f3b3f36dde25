package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fokusapp/fokusd/internal/events"
	"github.com/fokusapp/fokusd/internal/metrics"
	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// AuthConfig holds parameters for session management.
type AuthConfig struct {
	BaseURL        string
	AnonKey        string
	RefreshTimeout time.Duration
	RefreshMinGap  time.Duration // thundering-herd guard: skip refresh if last one was < this ago
	RefreshMargin  time.Duration // refresh when the token expires within this window
}

// sessionManager owns the token pair. It persists the session to the local
// store so the agent stays signed in across restarts, and guards refresh with
// a mutex to prevent thundering herd.
type sessionManager struct {
	mu          sync.Mutex
	cfg         AuthConfig
	http        *http.Client
	store       storage.Store
	bus         *events.Bus
	session     *Session
	lastRefresh time.Time
	log         zerolog.Logger
}

func newSessionManager(cfg AuthConfig, httpClient *http.Client, store storage.Store, bus *events.Bus, log zerolog.Logger) *sessionManager {
	s := &sessionManager{
		cfg:   cfg,
		http:  httpClient,
		store: store,
		bus:   bus,
		log:   log,
	}
	s.load()
	return s
}

// load restores a persisted session from the local store. Corrupt or missing
// entries leave the manager signed out.
func (s *sessionManager) load() {
	entry, err := s.store.CacheGet(storage.KeySession)
	if err != nil || entry == nil {
		return
	}
	var sess Session
	if err := msgpack.Unmarshal(entry.Value, &sess); err != nil {
		s.log.Warn().Err(err).Msg("discarding corrupt persisted session")
		_ = s.store.CacheDelete(storage.KeySession)
		return
	}
	s.session = &sess
	s.log.Debug().Str("user_id", sess.UserID).Msg("restored persisted session")
}

// Current returns a copy of the active session, or nil when signed out.
func (s *sessionManager) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	cp := *s.session
	return &cp
}

// Set installs a new session, persists it, and publishes ev on the bus.
func (s *sessionManager) Set(sess *Session, ev events.Type) {
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	data, err := msgpack.Marshal(sess)
	if err == nil {
		err = s.store.CacheSet(storage.KeySession, data)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("persist session failed; session held in memory only")
	}
	s.bus.Publish(events.Event{Type: ev, UserID: sess.UserID, Email: sess.Email})
}

// Clear drops the session locally and publishes SignedOut.
func (s *sessionManager) Clear() {
	s.mu.Lock()
	old := s.session
	s.session = nil
	s.mu.Unlock()

	if err := s.store.CacheDelete(storage.KeySession); err != nil {
		s.log.Warn().Err(err).Msg("delete persisted session failed")
	}
	ev := events.Event{Type: events.SignedOut}
	if old != nil {
		ev.UserID = old.UserID
		ev.Email = old.Email
	}
	s.bus.Publish(ev)
}

// EnsureFresh refreshes the token pair when it is missing an expiry or
// expires within RefreshMargin. Called by client.go before authed requests
// and again when a 401 slips through.
func (s *sessionManager) EnsureFresh(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return &AuthError{Msg: "no active session"}
	}
	if !force && time.Until(s.session.ExpiresAt) > s.cfg.RefreshMargin {
		return nil
	}
	// Thundering-herd guard: if another caller already refreshed recently, skip.
	if time.Since(s.lastRefresh) < s.cfg.RefreshMinGap {
		return nil
	}

	timeout := s.cfg.RefreshTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.refresh(tctx); err != nil {
		metrics.AuthErrors.Inc()
		return fmt.Errorf("token refresh failed: %w", err)
	}
	metrics.TokenRefreshes.Inc()
	s.lastRefresh = time.Now()
	s.log.Debug().Msg("session token refreshed")
	return nil
}

// SetAuthHeader applies the apikey and bearer credentials to a request.
func (s *sessionManager) SetAuthHeader(req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req.Header.Set("apikey", s.cfg.AnonKey)
	if s.session != nil {
		req.Header.Set("Authorization", "Bearer "+s.session.AccessToken)
	}
}

// refresh exchanges the refresh token for a new pair. Caller holds mu.
func (s *sessionManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"refresh_token": s.session.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("marshal refresh body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.BaseURL+"/auth/v1/token?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.cfg.AnonKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &AuthError{Msg: fmt.Sprintf("refresh returned HTTP %d", resp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}

	sess := tr.session()
	s.session = sess

	data, err := msgpack.Marshal(sess)
	if err == nil {
		err = s.store.CacheSet(storage.KeySession, data)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("persist refreshed session failed")
	}
	s.bus.Publish(events.Event{Type: events.TokenRefreshed, UserID: sess.UserID, Email: sess.Email})
	return nil
}

// tokenResponse is the auth endpoint wire shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// session converts the wire shape into a Session, filling ExpiresAt from
// expires_in or, failing that, from the JWT exp claim (read unverified —
// the agent only needs the timestamp, the backend validates signatures).
func (tr tokenResponse) session() *Session {
	sess := &Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
	}
	if tr.ExpiresIn > 0 {
		sess.ExpiresAt = time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
		return sess
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, &claims); err == nil {
		if claims.ExpiresAt != nil {
			sess.ExpiresAt = claims.ExpiresAt.Time
		}
		if sess.UserID == "" && claims.Subject != "" {
			sess.UserID = claims.Subject
		}
	}
	return sess
}
