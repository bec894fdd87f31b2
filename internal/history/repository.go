package history

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("history: entry not found")

// Repository is the persistence contract for archived calls.
//
// Archive MUST be idempotent on CallID: the retention sweep may archive and
// then fail to prune, and the next sweep retries the pair.
type Repository interface {
	Archive(ctx context.Context, e Entry) error
	Get(ctx context.Context, callID string) (Entry, error)
	// ListByParticipant returns the user's calls, most recent first.
	ListByParticipant(ctx context.Context, userID string, limit int) ([]Entry, error)
}

// MemoryRepo is an in-memory repository for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{entries: make(map[string]Entry)}
}

func (r *MemoryRepo) Archive(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.CallID]; ok {
		return nil
	}
	r.entries[e.CallID] = e
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, callID string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (r *MemoryRepo) ListByParticipant(ctx context.Context, userID string, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for _, e := range r.entries {
		if e.CallerID == userID || e.RecipientID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
