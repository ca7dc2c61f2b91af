package audit

import (
	"context"
	"log/slog"
	"time"

	"cooldownd/internal/events"
	"cooldownd/internal/metrics"
	"cooldownd/internal/model"
	"cooldownd/internal/storage"
)

const (
	batchSize     = 256
	flushInterval = time.Second
)

// Pipeline records cooldown transitions. The event buffer and counters are
// updated inline; storage writes are batched on a background goroutine.
type Pipeline struct {
	events  *events.Store
	metrics *metrics.Store
	store   storage.Store
	logger  *slog.Logger
	queue   chan model.Event
	done    chan struct{}
}

func NewPipeline(eventsStore *events.Store, metricsStore *metrics.Store, store storage.Store, buffer int, logger *slog.Logger) *Pipeline {
	if buffer <= 0 {
		buffer = 10000
	}
	return &Pipeline{
		events:  eventsStore,
		metrics: metricsStore,
		store:   store,
		logger:  logger,
		queue:   make(chan model.Event, buffer),
		done:    make(chan struct{}),
	}
}

func (p *Pipeline) Record(ev model.Event) {
	if p.events != nil {
		p.events.Add(ev)
	}
	if p.metrics != nil {
		p.metrics.Observe(ev)
	}
	if p.store == nil {
		return
	}
	select {
	case p.queue <- ev:
	default:
		if p.logger != nil {
			p.logger.Warn("audit queue full, dropping event", "actor", ev.Actor, "action", ev.Action, "kind", string(ev.Kind))
		}
	}
}

// Run drains queued events into storage until ctx is done, then flushes what is left.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)
	if p.store == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	batch := make([]model.Event, 0, batchSize)
	for {
		select {
		case ev := <-p.queue:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				batch = p.flush(batch)
			}
		case <-ticker.C:
			batch = p.flush(batch)
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.queue:
					batch = append(batch, ev)
				default:
					p.flush(batch)
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) flush(batch []model.Event) []model.Event {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.SaveEvents(ctx, batch); err != nil && p.logger != nil {
		p.logger.Error("audit write failed", "err", err, "events", len(batch))
	}
	return batch[:0]
}
