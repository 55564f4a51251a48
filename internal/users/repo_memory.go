package users

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo keeps users in process. It is used by tests and local runs
// without Postgres.
type MemoryRepo struct {
	mu     sync.Mutex
	byName map[string]User
	byID   map[int64]User
	nextID int64
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byName: map[string]User{}, byID: map[int64]User{}}
}

func (r *MemoryRepo) ResolveOrCreate(ctx context.Context, username string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byName[username]; ok {
		return u, nil
	}
	r.nextID++
	u := User{ID: r.nextID, Username: username, CreatedAt: time.Now().UTC()}
	r.byName[username] = u
	r.byID[u.ID] = u
	return u, nil
}

func (r *MemoryRepo) Get(ctx context.Context, id int64) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}
