package core

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/jdelaire/botdeck/core/policy"
)

// AllowlistLoader reads the configured chat allowlist.
type AllowlistLoader func() ([]int64, error)

// Reloader applies allowlist changes to a running policy. Conversations
// already logged are kept; only future updates are filtered.
type Reloader struct {
	policy *policy.Policy
	load   AllowlistLoader
	logger *slog.Logger

	mu      sync.Mutex
	current []int64
}

// NewReloader creates a reloader. initial is the allowlist the policy was
// built with.
func NewReloader(pol *policy.Policy, load AllowlistLoader, initial []int64, logger *slog.Logger) *Reloader {
	return &Reloader{
		policy:  pol,
		load:    load,
		logger:  logger,
		current: sortedIDs(initial),
	}
}

// Reload re-reads the allowlist. A load error keeps the previous list.
// It matches the configwatch callback signature.
func (r *Reloader) Reload(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.load()
	if err != nil {
		r.logger.Error("reload allowlist failed", "path", path, "error", err)
		return
	}
	ids = sortedIDs(ids)
	if slices.Equal(ids, r.current) {
		r.logger.Debug("allowlist unchanged", "path", path)
		return
	}

	r.policy.SetAllowed(ids)
	r.current = ids
	r.logger.Info("allowlist reloaded", "path", path, "chats", len(ids))
}

func sortedIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
