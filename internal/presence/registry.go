// Package presence tracks which users are reachable and over which connection.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registry is the single authority for presence. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]*Entry
	byConn map[string]int64
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]*Entry),
		byConn: make(map[string]int64),
		now:    time.Now,
	}
}

// SetOnline inserts or replaces the entry for userID with status idle.
// evicted is the connection id that was bound to the user before, if it
// differs from connID. displaced is the user connID spoke for before, if it
// was someone else; that user is now offline. The returned snapshot includes
// the new entry.
func (r *Registry) SetOnline(userID int64, displayName, connID string) (snapshot []Entry, evicted string, displaced int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byUser[userID]; ok && prev.ConnID != connID {
		evicted = prev.ConnID
		delete(r.byConn, prev.ConnID)
	}
	// A connection speaks for one user only.
	if other, ok := r.byConn[connID]; ok && other != userID {
		delete(r.byUser, other)
		displaced = other
	}

	r.byUser[userID] = &Entry{
		UserID:      userID,
		DisplayName: displayName,
		Status:      StatusIdle,
		ConnID:      connID,
		OnlineSince: r.now().UTC(),
	}
	r.byConn[connID] = userID
	return r.snapshotLocked(), evicted, displaced
}

// SetOffline removes the entry if present. Removing an absent user is a no-op.
func (r *Registry) SetOffline(userID int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byUser[userID]
	if !ok {
		return Entry{}, false
	}
	delete(r.byUser, userID)
	delete(r.byConn, e.ConnID)
	return *e, true
}

// RemoveConnection removes whichever user is bound to connID. A connection
// that was evicted by a newer one no longer owns an entry, so its loss leaves
// the newer binding intact.
func (r *Registry) RemoveConnection(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	e := r.byUser[userID]
	delete(r.byConn, connID)
	delete(r.byUser, userID)
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

func (r *Registry) FindByUserID(userID int64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[userID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Registry) FindByConnection(connID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connID]
	return id, ok
}

// SetStatus mutates the status in place. Unknown users are ignored; they may
// have gone offline between state changes.
func (r *Registry) SetStatus(userID int64, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[userID]
	if !ok {
		return false
	}
	e.Status = status
	return true
}

// Snapshot returns a copy of all entries ordered by display name, then id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// List satisfies the same lookup contract as RedisMirror.
func (r *Registry) List(_ context.Context) ([]Entry, error) {
	return r.Snapshot(), nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(r.byUser))
	for _, e := range r.byUser {
		out = append(out, *e)
	}
	sortEntries(out)
	return out
}

func sortEntries(out []Entry) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
}
