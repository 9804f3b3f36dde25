package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/vmihailenco/msgpack/v5"
)

// Published lists can be large; cap reads so a rogue URL cannot exhaust memory.
const maxListBytes = 8 << 20

type importPayload struct {
	URL string `json:"url"`
}

type importResult struct {
	URL      string `json:"url"`
	Fetched  int    `json:"fetched"`
	Added    int    `json:"added"`
	Total    int    `json:"total_domains"`
	Keywords int    `json:"total_keywords"`
}

// importGithubList fetches a published domain list, folds its entries into the
// local blocklist, and remembers which list each domain came from so rule
// provenance survives recompiles.
func (a *Agent) importGithubList(ctx context.Context, payload json.RawMessage) Response {
	var p importPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fail("invalid payload: %v", err)
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fail("list URL must be absolute http(s): %q", p.URL)
	}

	domains, err := a.fetchList(ctx, p.URL)
	if err != nil {
		return fail("fetch list: %v", err)
	}
	if len(domains) == 0 {
		return fail("list %q contains no usable domains", p.URL)
	}

	bl, err := a.loadBlocklist()
	if err != nil {
		return fail("load blocklist: %v", err)
	}
	oldRaw := a.rawBlocklist()
	if bl == nil {
		bl = blocklist.New()
	}

	added := 0
	for _, d := range domains {
		changed, err := bl.AddDomain(d)
		if err != nil {
			continue
		}
		if changed {
			added++
		}
	}
	bl.AddGithubURL(p.URL)

	if err := a.recordSources(domains, p.URL); err != nil {
		a.log.Warn().Err(err).Msg("failed to persist list source map")
	}

	if err := a.saveBlocklist(ctx, oldRaw, bl); err != nil {
		return fail("save blocklist: %v", err)
	}

	a.log.Info().Str("url", p.URL).Int("fetched", len(domains)).Int("added", added).
		Msg("imported published blocklist")
	return ok(importResult{
		URL:      p.URL,
		Fetched:  len(domains),
		Added:    added,
		Total:    len(bl.Domains),
		Keywords: len(bl.Keywords),
	})
}

func (a *Agent) fetchList(ctx context.Context, rawURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return blocklist.ParseList(io.LimitReader(resp.Body, maxListBytes))
}

// recordSources maps each imported domain to the list it came from. Existing
// mappings are overwritten: the most recent import wins.
func (a *Agent) recordSources(domains []string, listURL string) error {
	sources := make(map[string]string)
	if entry, err := a.store.CacheGet(storage.KeySources); err == nil && entry != nil {
		_ = msgpack.Unmarshal(entry.Value, &sources)
	}
	for _, d := range domains {
		sources[d] = listURL
	}
	data, err := msgpack.Marshal(sources)
	if err != nil {
		return err
	}
	return a.store.CacheSet(storage.KeySources, data)
}
