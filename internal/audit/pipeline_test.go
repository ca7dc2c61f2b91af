package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cooldownd/internal/events"
	"cooldownd/internal/metrics"
	"cooldownd/internal/model"
)

type memoryStore struct {
	mu     sync.Mutex
	events []model.Event
}

func (m *memoryStore) Init(context.Context) error { return nil }
func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) SaveEvents(_ context.Context, evs []model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evs...)
	return nil
}

func (m *memoryStore) RecentEvents(context.Context, int) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Event(nil), m.events...), nil
}

func (m *memoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestPipelineFansOut(t *testing.T) {
	ev := events.NewStore(10)
	ms := metrics.NewStore(10)
	store := &memoryStore{}
	p := NewPipeline(ev, ms, store, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	p.Record(model.Event{Kind: model.EventConsumed, Actor: "a", Action: "kit"})
	p.Record(model.Event{Kind: model.EventRejected, Actor: "a", Action: "kit"})
	p.Record(model.Event{Kind: model.EventCleared, Actor: "a", Count: 3})

	assert.Equal(t, 3, ev.Len())
	counters, ok := ms.Get("kit")
	require.True(t, ok)
	assert.Equal(t, int64(1), counters.Consumed)
	assert.Equal(t, int64(1), counters.Rejected)
	assert.Equal(t, int64(3), ms.Snapshot().Cleared)

	cancel()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Equal(t, 3, store.len())
}

func TestPipelineWithoutStorage(t *testing.T) {
	ev := events.NewStore(10)
	p := NewPipeline(ev, nil, nil, 1, nil)
	for i := 0; i < 5; i++ {
		p.Record(model.Event{Kind: model.EventReset, Actor: "a", Action: "kit"})
	}
	assert.Equal(t, 5, ev.Len())
}
