package firewall

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle identifies one successfully applied rule.
type Handle struct {
	ID         uuid.UUID     `json:"id"`
	Rule       TransportRule `json:"rule"`
	Primitives []Primitive   `json:"primitives"`
	Created    time.Time     `json:"created"`
}

// Registry maps owning uid to the rules applied for it, in creation order.
// It is an enumeration and audit cache; the kernel stays the source of truth.
type Registry struct {
	mu    sync.RWMutex
	users map[int][]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[int][]Handle)}
}

// ForUser returns the handles of uid. The entry is created on first access
// and never pruned.
func (r *Registry) ForUser(uid int) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles, ok := r.users[uid]
	if !ok {
		r.users[uid] = nil
	}
	return append([]Handle(nil), handles...)
}

// Users returns every uid with an entry, sorted.
func (r *Registry) Users() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uids := make([]int, 0, len(r.users))
	for uid := range r.users {
		uids = append(uids, uid)
	}
	sort.Ints(uids)
	return uids
}

// All returns a copy of every entry.
func (r *Registry) All() map[int][]Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int][]Handle, len(r.users))
	for uid, handles := range r.users {
		out[uid] = append([]Handle(nil), handles...)
	}
	return out
}

// Count returns the number of registered handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, handles := range r.users {
		n += len(handles)
	}
	return n
}

func (r *Registry) register(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[h.Rule.UID] = append(r.users[h.Rule.UID], h)
}

// unregister drops the oldest handle for rule and reports whether one existed.
func (r *Registry) unregister(rule TransportRule) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := r.users[rule.UID]
	for i, h := range handles {
		if h.Rule == rule {
			r.users[rule.UID] = append(handles[:i:i], handles[i+1:]...)
			return true
		}
	}
	return false
}

// reset drops every entry.
func (r *Registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[int][]Handle)
}
