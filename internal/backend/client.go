package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fokusapp/fokusd/internal/events"
	"github.com/fokusapp/fokusd/internal/metrics"
	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/rs/zerolog"
)

// ClientConfig holds parameters for constructing a backend HTTP client.
type ClientConfig struct {
	BaseURL       string
	AnonKey       string
	Timeout       time.Duration
	Debug         bool
	RefreshMinGap time.Duration
	RefreshMargin time.Duration
}

// httpClient implements Client against the hosted REST backend.
type httpClient struct {
	cfg     ClientConfig
	http    *http.Client
	session *sessionManager
	log     zerolog.Logger
}

// NewClient constructs a Client. A session persisted in store is restored;
// no network call happens until the first operation.
func NewClient(cfg ClientConfig, store storage.Store, bus *events.Bus, log zerolog.Logger) Client {
	// Build transport based on DefaultTransport shape to inherit production-safe
	// defaults (DialContext with keepalive, TLSHandshakeTimeout, IdleConnTimeout).
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	hc := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}

	authCfg := AuthConfig{
		BaseURL:        cfg.BaseURL,
		AnonKey:        cfg.AnonKey,
		RefreshTimeout: cfg.Timeout,
		RefreshMinGap:  cfg.RefreshMinGap,
		RefreshMargin:  cfg.RefreshMargin,
	}

	return &httpClient{
		cfg:     cfg,
		http:    hc,
		session: newSessionManager(authCfg, hc, store, bus, log),
		log:     log,
	}
}

// apiDo executes an HTTP request, handling auth headers, metrics, and typed
// error translation.
func (c *httpClient) apiDo(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	start := time.Now()
	c.session.SetAuthHeader(req)

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("backend api request")
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	elapsed := time.Since(start)

	if err != nil {
		if c.cfg.Debug {
			c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
				Err(err).Dur("elapsed", elapsed).Msg("backend api request failed")
		}
		metrics.APICalls.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.APICalls.WithLabelValues(endpoint, statusLabel).Inc()
	metrics.APIDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
			Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("backend api response")
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		_ = resp.Body.Close()
		return nil, &AuthError{Msg: "HTTP 401"}
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, &NotFoundError{What: endpoint}
	case http.StatusTooManyRequests:
		retryAfter := 10 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, err := time.ParseDuration(ra + "s"); err == nil {
				retryAfter = d
			}
		}
		_ = resp.Body.Close()
		return nil, &RateLimitError{RetryAfter: retryAfter}
	case http.StatusConflict:
		_ = resp.Body.Close()
		return nil, &ConflictError{Msg: "HTTP 409 conflict"}
	}
	if resp.StatusCode >= 400 {
		code := resp.StatusCode
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: HTTP %d", endpoint, code)
	}
	return resp, nil
}

// withRefresh executes fn, and on AuthError forces a token refresh then
// retries once. A refresh failure clears the session: expired credentials are
// recovered by re-auth, never by retry.
func (c *httpClient) withRefresh(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if _, ok := err.(*AuthError); !ok {
		return err
	}
	if refreshErr := c.session.EnsureFresh(ctx, true); refreshErr != nil {
		c.session.Clear()
		return fmt.Errorf("session expired: %w", refreshErr)
	}
	return fn()
}

// ---- Auth ------------------------------------------------------------------

func (c *httpClient) SignUp(ctx context.Context, email, password string) (*Session, error) {
	sess, err := c.authPost(ctx, "/auth/v1/signup", "signup", email, password)
	if err != nil {
		return nil, err
	}
	c.session.Set(sess, events.SignedIn)
	return sess, nil
}

func (c *httpClient) SignIn(ctx context.Context, email, password string) (*Session, error) {
	sess, err := c.authPost(ctx, "/auth/v1/token?grant_type=password", "signin", email, password)
	if err != nil {
		return nil, err
	}
	c.session.Set(sess, events.SignedIn)
	return sess, nil
}

func (c *httpClient) authPost(ctx context.Context, path, endpoint, email, password string) (*Session, error) {
	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal auth body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.apiDo(ctx, req, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, &AuthError{Msg: "auth response carried no access token"}
	}
	return tr.session(), nil
}

func (c *httpClient) SignOut(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/v1/logout", nil)
	if err != nil {
		return err
	}
	resp, err := c.apiDo(ctx, req, "signout")
	if err == nil {
		_ = resp.Body.Close()
	}
	// Local sign-out always succeeds; a failed remote revoke only means the
	// token lives until it expires.
	c.session.Clear()
	if err != nil {
		c.log.Warn().Err(err).Msg("remote sign-out failed; session cleared locally")
	}
	return nil
}

func (c *httpClient) RecoverPassword(ctx context.Context, email string) error {
	body, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/v1/recover", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.apiDo(ctx, req, "recover")
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (c *httpClient) Session() *Session {
	return c.session.Current()
}

// Ping verifies the backend is reachable. Used as the connectivity probe.
func (c *httpClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/auth/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.apiDo(ctx, req, "ping")
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// Close is a no-op for stateless HTTP clients (tokens expire server-side).
func (c *httpClient) Close() error {
	return nil
}
