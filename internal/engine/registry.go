package engine

import (
	"hash/fnv"
	"sync"
	"time"

	"cooldownd/internal/model"
)

const DefaultShards = 32

// Registry maps cooldown keys to entries. Keys are spread over shards by
// actor, so every entry of one actor lives in the same shard.
type Registry struct {
	shards []*registryShard
}

type registryShard struct {
	mu      sync.RWMutex
	entries map[model.Key]model.Entry
}

func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{shards: make([]*registryShard, shards)}
	for i := range r.shards {
		r.shards[i] = &registryShard{entries: make(map[model.Key]model.Entry)}
	}
	return r
}

func (r *Registry) shardFor(actor model.ActorID) *registryShard {
	id := actor.UUID()
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *Registry) Find(key model.Key) (model.Entry, bool) {
	s := r.shardFor(key.Actor)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Save inserts or replaces the entry for entry.Key. Last writer wins.
func (r *Registry) Save(entry model.Entry) {
	s := r.shardFor(entry.Key.Actor)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
}

func (r *Registry) Remove(key model.Key) {
	s := r.shardFor(key.Actor)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// SaveIf runs fn under the shard write lock with the current entry for key.
// When fn returns true its entry replaces the current one. The stored entry
// after the call and whether fn wrote it are returned.
func (r *Registry) SaveIf(key model.Key, fn func(current model.Entry, exists bool) (model.Entry, bool)) (model.Entry, bool) {
	s := r.shardFor(key.Actor)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.entries[key]
	next, ok := fn(current, exists)
	if !ok {
		return current, false
	}
	next.Key = key
	s.entries[key] = next
	return next, true
}

// RemoveIf deletes the entry for key only while match holds for it.
func (r *Registry) RemoveIf(key model.Key, match func(model.Entry) bool) bool {
	s := r.shardFor(key.Actor)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[key]
	if !ok || !match(current) {
		return false
	}
	delete(s.entries, key)
	return true
}

// ClearForOwner removes every entry of actor and reports how many were removed.
func (r *Registry) ClearForOwner(actor model.ActorID) int {
	s := r.shardFor(actor)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k := range s.entries {
		if k.Actor == actor {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// ListFor returns a snapshot of the entries held for actor.
func (r *Registry) ListFor(actor model.ActorID) []model.Entry {
	s := r.shardFor(actor)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Entry, 0)
	for k, e := range s.entries {
		if k.Actor == actor {
			out = append(out, e)
		}
	}
	return out
}

// Sweep drops every entry expired at now. Shards are locked one at a time.
func (r *Registry) Sweep(now time.Time) []model.Entry {
	var reaped []model.Entry
	for _, s := range r.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if e.IsExpired(now) {
				delete(s.entries, k)
				reaped = append(reaped, e)
			}
		}
		s.mu.Unlock()
	}
	return reaped
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
