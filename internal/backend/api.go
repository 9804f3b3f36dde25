package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/fokusapp/fokusd/internal/device"
	"github.com/fokusapp/fokusd/internal/stats"
)

// --- Wire types (JSON mapping to the table endpoints) ------------------------

type apiUserRow struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	CreatedAt       time.Time `json:"created_at"`
	InterstitialURL string    `json:"interstitial_url"`
	MergeStrategy   string    `json:"merge_strategy"`
	BlockingEnabled bool      `json:"blocking_enabled"`
	SettingsUpdated time.Time `json:"settings_updated_at"`
}

type apiBlocklistRow struct {
	UserID     string    `json:"user_id"`
	Keywords   []string  `json:"keywords"`
	Domains    []string  `json:"domains"`
	GithubURLs []string  `json:"github_urls"`
	IsActive   bool      `json:"is_active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type apiDeviceRow struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Hostname string    `json:"hostname"`
	Platform string    `json:"platform"`
	LastSeen time.Time `json:"last_seen"`
}

type apiBlockEventRow struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	URL        string    `json:"url"`
	MatchType  string    `json:"match_type"`
	MatchValue string    `json:"match_value"`
	OccurredAt time.Time `json:"occurred_at"`
}

type apiDayStatsRow struct {
	UserID    string         `json:"user_id"`
	Date      string         `json:"date"`
	Total     int            `json:"total"`
	ByType    map[string]int `json:"by_type"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// --- Generic HTTP helpers ---------------------------------------------------

// doSelect performs an authed GET and decodes the PostgREST row array into out.
func doSelect(ctx context.Context, c *httpClient, rawURL, endpoint string, out interface{}) error {
	return c.withRefresh(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.apiDo(ctx, req, endpoint)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		return nil
	})
}

// doWrite performs an authed POST/PATCH with a JSON payload. An upsert write
// sends Prefer: resolution=merge-duplicates so replays are idempotent.
func doWrite(ctx context.Context, c *httpClient, method, rawURL, endpoint string, payload interface{}, upsert bool) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", endpoint, err)
	}
	return c.withRefresh(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(b))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if upsert {
			req.Header.Set("Prefer", "resolution=merge-duplicates")
		} else {
			req.Header.Set("Prefer", "return=minimal")
		}
		resp, err := c.apiDo(ctx, req, endpoint)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	})
}

func (c *httpClient) tableURL(table, filter string) string {
	u := c.cfg.BaseURL + "/rest/v1/" + table
	if filter != "" {
		u += "?" + filter
	}
	return u
}

func eq(column, value string) string {
	return column + "=eq." + url.QueryEscape(value)
}

// ---- Users -----------------------------------------------------------------

func (c *httpClient) GetUser(ctx context.Context) (*User, error) {
	sess := c.session.Current()
	if sess == nil {
		return nil, &AuthError{Msg: "no active session"}
	}
	var rows []apiUserRow
	u := c.tableURL("users", eq("id", sess.UserID)+"&select=id,email,created_at")
	if err := doSelect(ctx, c, u, "get-user", &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &NotFoundError{What: "user " + sess.UserID}
	}
	return &User{ID: rows[0].ID, Email: rows[0].Email, CreatedAt: rows[0].CreatedAt}, nil
}

// ---- Blocklists ------------------------------------------------------------

// GetBlocklist returns the user's remote blocklist, or nil when none exists
// yet (first sync after account creation).
func (c *httpClient) GetBlocklist(ctx context.Context, userID string) (*blocklist.Blocklist, error) {
	var rows []apiBlocklistRow
	u := c.tableURL("user_blocklists", eq("user_id", userID)+"&select=*")
	if err := doSelect(ctx, c, u, "get-blocklist", &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &blocklist.Blocklist{
		Keywords:   r.Keywords,
		Domains:    r.Domains,
		GithubURLs: r.GithubURLs,
		IsActive:   r.IsActive,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

func (c *httpClient) UpsertBlocklist(ctx context.Context, userID string, bl *blocklist.Blocklist) error {
	row := apiBlocklistRow{
		UserID:     userID,
		Keywords:   bl.Keywords,
		Domains:    bl.Domains,
		GithubURLs: bl.GithubURLs,
		IsActive:   bl.IsActive,
		UpdatedAt:  bl.UpdatedAt,
	}
	return doWrite(ctx, c, http.MethodPost, c.tableURL("user_blocklists", ""), "upsert-blocklist", []apiBlocklistRow{row}, true)
}

// ---- Devices ---------------------------------------------------------------

func (c *httpClient) UpsertDevice(ctx context.Context, userID string, d device.Device) error {
	row := apiDeviceRow{
		ID:       d.ID,
		UserID:   userID,
		Name:     d.Name,
		Hostname: d.Hostname,
		Platform: d.Platform,
		LastSeen: d.LastSeen,
	}
	return doWrite(ctx, c, http.MethodPost, c.tableURL("devices", ""), "upsert-device", []apiDeviceRow{row}, true)
}

// ---- Block events ----------------------------------------------------------

func (c *httpClient) InsertBlockEvents(ctx context.Context, userID string, events []stats.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]apiBlockEventRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, apiBlockEventRow{
			ID:         ev.ID,
			UserID:     userID,
			URL:        ev.URL,
			MatchType:  ev.MatchType,
			MatchValue: ev.MatchValue,
			OccurredAt: ev.OccurredAt,
		})
	}
	return doWrite(ctx, c, http.MethodPost, c.tableURL("block_events", ""), "insert-block-events", rows, false)
}

// ---- Daily stats -----------------------------------------------------------

func (c *httpClient) UpsertDayStats(ctx context.Context, userID string, days []stats.Day) error {
	if len(days) == 0 {
		return nil
	}
	rows := make([]apiDayStatsRow, 0, len(days))
	for _, day := range days {
		rows = append(rows, apiDayStatsRow{
			UserID:    userID,
			Date:      day.Date,
			Total:     day.Total,
			ByType:    day.ByType,
			UpdatedAt: day.UpdatedAt,
		})
	}
	return doWrite(ctx, c, http.MethodPost, c.tableURL("daily_stats", ""), "upsert-daily-stats", rows, true)
}

// ---- Settings --------------------------------------------------------------

// Settings live as columns on the users row; GetSettings and UpsertSettings
// read and patch that row.
func (c *httpClient) GetSettings(ctx context.Context, userID string) (*Settings, error) {
	var rows []apiUserRow
	u := c.tableURL("users", eq("id", userID)+"&select=interstitial_url,merge_strategy,blocking_enabled,settings_updated_at")
	if err := doSelect(ctx, c, u, "get-settings", &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &Settings{
		InterstitialURL: r.InterstitialURL,
		MergeStrategy:   r.MergeStrategy,
		BlockingEnabled: r.BlockingEnabled,
		UpdatedAt:       r.SettingsUpdated,
	}, nil
}

func (c *httpClient) UpsertSettings(ctx context.Context, userID string, s Settings) error {
	payload := map[string]interface{}{
		"interstitial_url":    s.InterstitialURL,
		"merge_strategy":      s.MergeStrategy,
		"blocking_enabled":    s.BlockingEnabled,
		"settings_updated_at": s.UpdatedAt,
	}
	u := c.tableURL("users", eq("id", userID))
	return doWrite(ctx, c, http.MethodPatch, u, "upsert-settings", payload, false)
}
