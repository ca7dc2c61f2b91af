package metrics

import (
	"sync"
	"time"

	"cooldownd/internal/model"
)

// ActionCounters counts transitions for one action id.
type ActionCounters struct {
	Consumed int64 `json:"consumed"`
	Rejected int64 `json:"rejected"`
	Reset    int64 `json:"reset"`
	Expired  int64 `json:"expired"`
	Ready    int64 `json:"ready"`
}

type Snapshot struct {
	Actions   map[string]ActionCounters `json:"actions"`
	Cleared   int64                     `json:"cleared"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

type Store struct {
	mu        sync.RWMutex
	byAction  map[string]*ActionCounters
	cleared   int64
	updatedAt time.Time
	limit     int
}

// NewStore tracks at most limit distinct action ids. Events for further
// actions are counted under "other".
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byAction: make(map[string]*ActionCounters),
		limit:    limit,
	}
}

func (s *Store) Observe(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAt = time.Now().UTC()
	if ev.Kind == model.EventCleared {
		s.cleared += int64(ev.Count)
		return
	}
	c := s.counters(ev.Action)
	switch ev.Kind {
	case model.EventConsumed:
		c.Consumed++
	case model.EventRejected:
		c.Rejected++
	case model.EventReset:
		c.Reset++
	case model.EventExpired:
		c.Expired++
	case model.EventReady:
		c.Ready++
	}
}

func (s *Store) counters(action string) *ActionCounters {
	if c, ok := s.byAction[action]; ok {
		return c
	}
	if len(s.byAction) >= s.limit {
		action = "other"
		if c, ok := s.byAction[action]; ok {
			return c
		}
	}
	c := &ActionCounters{}
	s.byAction[action] = c
	return c
}

func (s *Store) Get(action string) (ActionCounters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byAction[action]
	if !ok {
		return ActionCounters{}, false
	}
	return *c, true
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Actions:   make(map[string]ActionCounters, len(s.byAction)),
		Cleared:   s.cleared,
		UpdatedAt: s.updatedAt,
	}
	for action, c := range s.byAction {
		out.Actions[action] = *c
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAction = make(map[string]*ActionCounters)
	s.cleared = 0
	s.updatedAt = time.Time{}
}
