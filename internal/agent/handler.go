package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fokusapp/fokusd/internal/backend"
	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/fokusapp/fokusd/internal/metrics"
	"github.com/fokusapp/fokusd/internal/pool"
	"github.com/fokusapp/fokusd/internal/stats"
	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Message types accepted on the messaging surface.
const (
	MsgAuthSignIn             = "AUTH_SIGN_IN"
	MsgAuthSignUp             = "AUTH_SIGN_UP"
	MsgAuthSignOut            = "AUTH_SIGN_OUT"
	MsgAuthGetSession         = "AUTH_GET_SESSION"
	MsgBlocklistGet           = "BLOCKLIST_GET"
	MsgBlocklistUpdate        = "BLOCKLIST_UPDATE"
	MsgBlocklistAddKeyword    = "BLOCKLIST_ADD_KEYWORD"
	MsgBlocklistRemoveKeyword = "BLOCKLIST_REMOVE_KEYWORD"
	MsgBlocklistAddDomain     = "BLOCKLIST_ADD_DOMAIN"
	MsgBlocklistRemoveDomain  = "BLOCKLIST_REMOVE_DOMAIN"
	MsgBlocklistImportGithub  = "BLOCKLIST_IMPORT_GITHUB"
	MsgStatsGet               = "STATS_GET"
	MsgStatsGetToday          = "STATS_GET_TODAY"
	MsgSettingsGet            = "SETTINGS_GET"
	MsgSettingsUpdate         = "SETTINGS_UPDATE"
	MsgCheckURLBlocked        = "CHECK_URL_BLOCKED"
	MsgBlockPage              = "BLOCK_PAGE"
	MsgTempUnblock            = "TEMP_UNBLOCK"
	MsgLogBlockEvent          = "LOG_BLOCK_EVENT"
	MsgSyncNow                = "SYNC_NOW"
	MsgRulesetGet             = "RULESET_GET"
)

// Message is the request envelope on the messaging surface.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the reply envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(data interface{}) Response {
	return Response{Success: true, Data: data}
}

func fail(format string, args ...interface{}) Response {
	return Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

func (a *Agent) handleMessageHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, fail("invalid message envelope: %v", err))
		return
	}
	resp := a.Handle(r.Context(), msg)

	status := "ok"
	if !resp.Success {
		status = "error"
	}
	metrics.MessagesHandled.WithLabelValues(msg.Type, status).Inc()
	writeJSON(w, resp)
}

func (a *Agent) handleRulesetHTTP(w http.ResponseWriter, r *http.Request) {
	rs, err := a.ruleSink.Load()
	if err != nil {
		writeJSON(w, fail("load ruleset: %v", err))
		return
	}
	writeJSON(w, ok(rs))
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Handle dispatches one message. Every branch answers with the envelope;
// handler errors never escape as HTTP errors.
func (a *Agent) Handle(ctx context.Context, msg Message) Response {
	switch msg.Type {
	case MsgAuthSignIn:
		return a.authSignIn(ctx, msg.Payload)
	case MsgAuthSignUp:
		return a.authSignUp(ctx, msg.Payload)
	case MsgAuthSignOut:
		if err := a.client.SignOut(ctx); err != nil {
			return fail("sign out: %v", err)
		}
		return ok(nil)
	case MsgAuthGetSession:
		return a.authGetSession()
	case MsgBlocklistGet:
		return a.blocklistGet(ctx)
	case MsgBlocklistUpdate:
		return a.blocklistUpdate(ctx, msg.Payload)
	case MsgBlocklistAddKeyword:
		return a.mutateBlocklist(ctx, msg.Payload, func(bl *blocklist.Blocklist, v string) (bool, error) {
			return bl.AddKeyword(v)
		})
	case MsgBlocklistRemoveKeyword:
		return a.mutateBlocklist(ctx, msg.Payload, func(bl *blocklist.Blocklist, v string) (bool, error) {
			return bl.RemoveKeyword(v), nil
		})
	case MsgBlocklistAddDomain:
		return a.mutateBlocklist(ctx, msg.Payload, func(bl *blocklist.Blocklist, v string) (bool, error) {
			return bl.AddDomain(v)
		})
	case MsgBlocklistRemoveDomain:
		return a.mutateBlocklist(ctx, msg.Payload, func(bl *blocklist.Blocklist, v string) (bool, error) {
			return bl.RemoveDomain(v), nil
		})
	case MsgBlocklistImportGithub:
		return a.importGithubList(ctx, msg.Payload)
	case MsgStatsGet:
		days, err := a.tracker.All()
		if err != nil {
			return fail("load stats: %v", err)
		}
		return ok(days)
	case MsgStatsGetToday:
		day, err := a.tracker.Today()
		if err != nil {
			return fail("load today's stats: %v", err)
		}
		return ok(day)
	case MsgSettingsGet:
		return a.settingsGet()
	case MsgSettingsUpdate:
		return a.settingsUpdate(ctx, msg.Payload)
	case MsgCheckURLBlocked:
		return a.checkURLBlocked(msg.Payload)
	case MsgBlockPage:
		return a.blockPage(msg.Payload)
	case MsgTempUnblock:
		return a.tempUnblock(msg.Payload)
	case MsgLogBlockEvent:
		return a.logBlockEvent(msg.Payload)
	case MsgSyncNow:
		rep := a.syncer.SyncNow(ctx, "message")
		return ok(rep)
	case MsgRulesetGet:
		rs, err := a.ruleSink.Load()
		if err != nil {
			return fail("load ruleset: %v", err)
		}
		return ok(rs)
	default:
		return fail("unknown message type %q", msg.Type)
	}
}

// ---- auth ------------------------------------------------------------------

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// sessionView is the session as exposed to collaborators: no tokens.
type sessionView struct {
	SignedIn  bool      `json:"signed_in"`
	UserID    string    `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (a *Agent) authSignIn(ctx context.Context, payload json.RawMessage) Response {
	var creds credentialsPayload
	if err := json.Unmarshal(payload, &creds); err != nil {
		return fail("invalid payload: %v", err)
	}
	sess, err := a.client.SignIn(ctx, creds.Email, creds.Password)
	if err != nil {
		return fail("sign in: %v", err)
	}
	go a.syncer.SyncNow(context.WithoutCancel(ctx), "sign-in")
	return ok(sessionView{SignedIn: true, UserID: sess.UserID, Email: sess.Email, ExpiresAt: sess.ExpiresAt})
}

func (a *Agent) authSignUp(ctx context.Context, payload json.RawMessage) Response {
	var creds credentialsPayload
	if err := json.Unmarshal(payload, &creds); err != nil {
		return fail("invalid payload: %v", err)
	}
	sess, err := a.client.SignUp(ctx, creds.Email, creds.Password)
	if err != nil {
		return fail("sign up: %v", err)
	}
	return ok(sessionView{SignedIn: true, UserID: sess.UserID, Email: sess.Email, ExpiresAt: sess.ExpiresAt})
}

func (a *Agent) authGetSession() Response {
	sess := a.client.Session()
	if sess == nil {
		return ok(sessionView{SignedIn: false})
	}
	return ok(sessionView{SignedIn: true, UserID: sess.UserID, Email: sess.Email, ExpiresAt: sess.ExpiresAt})
}

// ---- blocklist -------------------------------------------------------------

// blocklistGet serves the remote list when reachable and falls back to the
// local cache: reads never fail just because the backend is down.
func (a *Agent) blocklistGet(ctx context.Context) Response {
	if sess := a.client.Session(); sess != nil {
		remote, err := a.client.GetBlocklist(ctx, sess.UserID)
		if err == nil && remote != nil {
			return ok(remote)
		}
		if err != nil {
			a.log.Debug().Err(err).Msg("remote blocklist fetch failed, serving cache")
		}
	}
	bl, err := a.loadBlocklist()
	if err != nil {
		return fail("load blocklist: %v", err)
	}
	if bl == nil {
		bl = blocklist.New()
	}
	return ok(bl)
}

func (a *Agent) blocklistUpdate(ctx context.Context, payload json.RawMessage) Response {
	var bl blocklist.Blocklist
	if err := json.Unmarshal(payload, &bl); err != nil {
		return fail("invalid payload: %v", err)
	}
	bl.UpdatedAt = time.Now().UTC()

	oldRaw := a.rawBlocklist()
	if err := a.saveBlocklist(ctx, oldRaw, &bl); err != nil {
		return fail("save blocklist: %v", err)
	}
	return ok(&bl)
}

type valuePayload struct {
	Value string `json:"value"`
}

func (a *Agent) mutateBlocklist(ctx context.Context, payload json.RawMessage,
	mutate func(*blocklist.Blocklist, string) (bool, error)) Response {

	var p valuePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fail("invalid payload: %v", err)
	}
	bl, err := a.loadBlocklist()
	if err != nil {
		return fail("load blocklist: %v", err)
	}
	oldRaw := a.rawBlocklist()
	if bl == nil {
		bl = blocklist.New()
	}
	changed, err := mutate(bl, p.Value)
	if err != nil {
		return fail("%v", err)
	}
	if !changed {
		return ok(bl)
	}
	if err := a.saveBlocklist(ctx, oldRaw, bl); err != nil {
		return fail("save blocklist: %v", err)
	}
	return ok(bl)
}

func (a *Agent) rawBlocklist() []byte {
	entry, err := a.store.CacheGet(storage.KeyBlocklist)
	if err != nil || entry == nil {
		return nil
	}
	return entry.Value
}

// ---- settings --------------------------------------------------------------

func (a *Agent) settingsGet() Response {
	st, err := a.loadSettings()
	if err != nil {
		return fail("load settings: %v", err)
	}
	return ok(st)
}

type settingsPayload struct {
	InterstitialURL *string `json:"interstitial_url,omitempty"`
	MergeStrategy   *string `json:"merge_strategy,omitempty"`
	BlockingEnabled *bool   `json:"blocking_enabled,omitempty"`
}

func (a *Agent) settingsUpdate(ctx context.Context, payload json.RawMessage) Response {
	var p settingsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fail("invalid payload: %v", err)
	}
	st, err := a.loadSettings()
	if err != nil {
		return fail("load settings: %v", err)
	}
	oldRaw, _ := msgpack.Marshal(st)

	if p.InterstitialURL != nil {
		st.InterstitialURL = *p.InterstitialURL
	}
	if p.MergeStrategy != nil {
		if _, err := blocklist.ParseStrategy(*p.MergeStrategy); err != nil {
			return fail("%v", err)
		}
		st.MergeStrategy = *p.MergeStrategy
	}
	if p.BlockingEnabled != nil {
		st.BlockingEnabled = *p.BlockingEnabled
	}
	st.UpdatedAt = time.Now().UTC()

	data, err := msgpack.Marshal(st)
	if err != nil {
		return fail("marshal settings: %v", err)
	}
	if err := a.store.CacheSet(storage.KeySettings, data); err != nil {
		return fail("cache settings: %v", err)
	}
	if err := a.syncer.NotifyChange(ctx, storage.KeySettings, oldRaw, data); err != nil {
		return fail("queue settings change: %v", err)
	}
	return ok(st)
}

// loadSettings returns cached settings, or config-derived defaults.
func (a *Agent) loadSettings() (*backend.Settings, error) {
	entry, err := a.store.CacheGet(storage.KeySettings)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &backend.Settings{
			InterstitialURL: a.cfg.InterstitialURL,
			MergeStrategy:   a.cfg.MergeStrategy,
			BlockingEnabled: true,
		}, nil
	}
	var st backend.Settings
	if err := msgpack.Unmarshal(entry.Value, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ---- navigation ------------------------------------------------------------

type urlPayload struct {
	URL string `json:"url"`
}

func (a *Agent) checkURLBlocked(payload json.RawMessage) Response {
	var p urlPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fail("invalid payload: %v", err)
	}
	if p.URL == "" {
		return fail("url is required")
	}
	d := a.eval.Check(p.URL)
	return ok(map[string]interface{}{
		"blocked":  d != nil,
		"decision": d,
	})
}

func (a *Agent) blockPage(payload json.RawMessage) Response {
	var p urlPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fail("invalid payload: %v", err)
	}
	d := a.eval.Check(p.URL)
	if d == nil {
		return fail("url is not blocked")
	}
	return ok(map[string]string{
		"url": fmt.Sprintf("%s?reason=%s&type=%s",
			a.cfg.InterstitialURL, url.QueryEscape(d.Value), url.QueryEscape(d.Type)),
	})
}

type tempUnblockPayload struct {
	Domain   string `json:"domain"`
	Duration string `json:"duration,omitempty"`
}

func (a *Agent) tempUnblock(payload json.RawMessage) Response {
	var p tempUnblockPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fail("invalid payload: %v", err)
	}
	dur := a.cfg.TempUnblockDefault
	if p.Duration != "" {
		parsed, err := time.ParseDuration(p.Duration)
		if err != nil || parsed <= 0 {
			return fail("invalid duration %q", p.Duration)
		}
		dur = parsed
	}
	until := time.Now().Add(dur)
	if err := a.eval.Allowlist().Add(p.Domain, until); err != nil {
		return fail("%v", err)
	}
	a.log.Info().Str("domain", p.Domain).Time("until", until).Msg("temporary unblock granted")
	return ok(map[string]interface{}{"until": until})
}

type blockEventPayload struct {
	URL        string `json:"url"`
	MatchType  string `json:"match_type"`
	MatchValue string `json:"match_value"`
}

// logBlockEvent records a block fire-and-forget: the event is queued for the
// stats tracker and failure never reverses the block decision.
func (a *Agent) logBlockEvent(payload json.RawMessage) Response {
	var p blockEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fail("invalid payload: %v", err)
	}
	if p.URL == "" {
		return fail("url is required")
	}
	a.pool.Enqueue(pool.Job{
		Kind: pool.KindBlockEvent,
		Event: stats.Event{
			ID:         uuid.NewString(),
			URL:        p.URL,
			MatchType:  p.MatchType,
			MatchValue: p.MatchValue,
			OccurredAt: time.Now().UTC(),
		},
	})
	return ok(nil)
}
