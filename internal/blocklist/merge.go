package blocklist

import (
	"fmt"
)

// Strategy selects how local and remote blocklists are reconciled.
type Strategy string

const (
	// StrategyServerWins discards local state in favor of the remote copy.
	StrategyServerWins Strategy = "server_wins"
	// StrategyClientWins pushes local state over the remote copy.
	StrategyClientWins Strategy = "client_wins"
	// StrategyMerge unions both sides; nothing a user added is ever lost.
	StrategyMerge Strategy = "merge"
)

// ParseStrategy validates a strategy string from config.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyServerWins, StrategyClientWins, StrategyMerge:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown merge strategy %q (want server_wins, client_wins, or merge)", s)
}

// Result describes the outcome of a merge.
type Result struct {
	// HasChanges is true when the merged list differs structurally from the
	// local input, meaning the local cache and compiled rules need refreshing.
	HasChanges bool
	// LocalChanges is true when the merged list carries local state the
	// remote side lacks, meaning it must be pushed upstream.
	LocalChanges bool
	// Merged is the reconciled list. Nil only when both inputs are nil.
	Merged *Blocklist
}

// Merge reconciles a local and a remote blocklist under the given strategy.
// Both inputs are treated as immutable; Merged is always a fresh copy.
// All comparisons happen on canonical form, so ordering-only differences
// never count as changes.
func Merge(local, remote *Blocklist, strategy Strategy) Result {
	switch {
	case local == nil && remote == nil:
		return Result{}
	case remote == nil:
		return Result{HasChanges: false, LocalChanges: true, Merged: local.Clone()}
	case local == nil:
		return Result{HasChanges: true, LocalChanges: false, Merged: remote.Clone()}
	}

	switch strategy {
	case StrategyServerWins:
		return Result{
			HasChanges:   !local.Equal(remote),
			LocalChanges: false,
			Merged:       remote.Clone(),
		}
	case StrategyClientWins:
		return Result{
			HasChanges:   false,
			LocalChanges: true,
			Merged:       local.Clone(),
		}
	}

	// Default: field-wise set union. Remote metadata wins for IsActive;
	// UpdatedAt is the later of the two.
	cl, cr := local.Canonical(), remote.Canonical()
	merged := &Blocklist{
		Keywords:   unionSet(cl.Keywords, cr.Keywords),
		Domains:    unionSet(cl.Domains, cr.Domains),
		GithubURLs: unionSet(cl.GithubURLs, cr.GithubURLs),
		IsActive:   remote.IsActive,
		UpdatedAt:  remote.UpdatedAt,
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		merged.UpdatedAt = local.UpdatedAt
	}

	localChanges := len(merged.Keywords) > len(cr.Keywords) ||
		len(merged.Domains) > len(cr.Domains) ||
		len(merged.GithubURLs) > len(cr.GithubURLs)

	return Result{
		HasChanges:   !local.Equal(merged),
		LocalChanges: localChanges,
		Merged:       merged,
	}
}

// unionSet merges two canonical (sorted, deduplicated) slices.
func unionSet(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		default:
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
