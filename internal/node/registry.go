package node

import (
	"errors"
	"sort"
	"sync"
	"time"

	"nefrit/internal/model"
)

// ErrUserNotFound is returned when removing a uuid the node does not hold.
var ErrUserNotFound = errors.New("user not found")

// Registry is the in-memory set of users served by a worker node.
type Registry struct {
	mu    sync.RWMutex
	users map[string]model.NodeUser
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]model.NodeUser), now: time.Now}
}

// Add registers or replaces a user.
func (r *Registry) Add(uuid, path string) model.NodeUser {
	u := model.NodeUser{UUID: uuid, Path: path, AddedAt: r.now()}
	r.mu.Lock()
	r.users[uuid] = u
	r.mu.Unlock()
	return u
}

// Remove deletes a user and returns it.
func (r *Registry) Remove(uuid string) (model.NodeUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[uuid]
	if !ok {
		return model.NodeUser{}, ErrUserNotFound
	}
	delete(r.users, uuid)
	return u, nil
}

// Replace swaps the whole user set for users. Users that were already
// registered keep their AddedAt.
func (r *Registry) Replace(users []model.NodeUser) {
	now := r.now()
	next := make(map[string]model.NodeUser, len(users))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range users {
		if old, ok := r.users[u.UUID]; ok && old.Path == u.Path {
			u.AddedAt = old.AddedAt
		} else {
			u.AddedAt = now
		}
		next[u.UUID] = u
	}
	r.users = next
}

// UUIDs returns the registered client ids in a stable order.
func (r *Registry) UUIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
