package history

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrInjected is returned by MemoryRepo when FailNext is set.
var ErrInjected = errors.New("history: injected failure")

// MemoryRepo is a simple in-memory append-only repository useful for tests
// and for running without Postgres in local environments.
type MemoryRepo struct {
	mu      sync.Mutex
	records []Record
	names   map[int64]string

	// FailNext makes the next N inserts fail with ErrInjected.
	FailNext int
	// LoseAckNext makes the next N inserts store the row and still report
	// ErrInjected, as when a commit lands but its acknowledgement is lost.
	LoseAckNext int
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{names: map[int64]string{}} }

// SetName registers a display name used to fill joined name columns.
func (r *MemoryRepo) SetName(userID int64, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[userID] = name
}

func (r *MemoryRepo) Insert(ctx context.Context, rec Record) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailNext > 0 {
		r.FailNext--
		return 0, ErrInjected
	}
	id, found := r.findLocked(rec.CallID)
	if !found {
		rec.ID = int64(len(r.records) + 1)
		r.records = append(r.records, rec)
		id = rec.ID
	}
	if r.LoseAckNext > 0 {
		r.LoseAckNext--
		return 0, ErrInjected
	}
	return id, nil
}

func (r *MemoryRepo) findLocked(callID string) (int64, bool) {
	if callID == "" {
		return 0, false
	}
	for _, rec := range r.records {
		if rec.CallID == callID {
			return rec.ID, true
		}
	}
	return 0, false
}

func (r *MemoryRepo) ListForUser(ctx context.Context, userID int64, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0)
	for _, rec := range r.records {
		if rec.CallerID != userID && rec.ReceiverID != userID {
			continue
		}
		rec.CallerName = r.names[rec.CallerID]
		rec.ReceiverName = r.names[rec.ReceiverID]
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Records returns a copy of everything written.
func (r *MemoryRepo) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}
