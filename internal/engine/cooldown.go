package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"cooldownd/internal/model"
	"cooldownd/internal/scheduler"
)

var ErrNoScheduler = errors.New("no scheduler configured")

// Recorder receives every cooldown state transition.
type Recorder interface {
	Record(ev model.Event)
}

type NopRecorder struct{}

func (NopRecorder) Record(model.Event) {}

// Service is the cooldown state machine on top of a Registry.
type Service struct {
	registry  *Registry
	clock     Clock
	logger    *slog.Logger
	recorder  Recorder
	scheduler scheduler.Scheduler
	tick      time.Duration
}

type Option func(*Service)

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithScheduler enables RunAfterConsumption. tick is the length of one scheduler unit.
func WithScheduler(sched scheduler.Scheduler, tick time.Duration) Option {
	return func(s *Service) {
		s.scheduler = sched
		s.tick = tick
	}
}

func NewService(registry *Registry, clock Clock, logger *slog.Logger, opts ...Option) *Service {
	if registry == nil {
		registry = NewRegistry(DefaultShards)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	s := &Service{
		registry: registry,
		clock:    clock,
		logger:   logger,
		recorder: NopRecorder{},
		tick:     scheduler.DefaultTick,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Status struct {
	Actor     string        `json:"actor"`
	Action    string        `json:"action"`
	Active    bool          `json:"active"`
	Remaining time.Duration `json:"remaining"`
	Until     *time.Time    `json:"until,omitempty"`
}

func (s *Service) IsOnCooldown(actor model.ActorID, action model.ActionID) bool {
	_, ok := s.active(keyOf(actor, action))
	return ok
}

func (s *Service) Remaining(actor model.ActorID, action model.ActionID) time.Duration {
	e, ok := s.active(keyOf(actor, action))
	if !ok {
		return 0
	}
	return e.Remaining(s.clock.Now())
}

func (s *Service) Status(actor model.ActorID, action model.ActionID) Status {
	key := keyOf(actor, action)
	e, ok := s.active(key)
	if !ok {
		return Status{Actor: actor.String(), Action: string(key.Action)}
	}
	return statusOf(e, s.clock.Now())
}

// TryConsume starts a cooldown of d for the pair unless one is still active.
// It fails only for malformed input.
func (s *Service) TryConsume(actor model.ActorID, action model.ActionID, d time.Duration) (bool, error) {
	if err := validate(actor, action, d); err != nil {
		return false, err
	}
	_, ok := s.consume(keyOf(actor, action), d)
	return ok, nil
}

// Reset removes the cooldown for the pair regardless of its state.
func (s *Service) Reset(actor model.ActorID, action model.ActionID) {
	key := keyOf(actor, action)
	removed := s.registry.RemoveIf(key, func(model.Entry) bool { return true })
	if !removed {
		return
	}
	s.recorder.Record(model.Event{
		Timestamp: s.clock.Now(),
		Kind:      model.EventReset,
		Actor:     actor.String(),
		Action:    string(key.Action),
	})
	if s.logger != nil {
		s.logger.Debug("cooldown reset", "actor", actor.String(), "action", string(key.Action))
	}
}

// ClearAllFor drops every cooldown of actor and reports how many were held.
func (s *Service) ClearAllFor(actor model.ActorID) int {
	n := s.registry.ClearForOwner(actor)
	if n == 0 {
		return 0
	}
	s.recorder.Record(model.Event{
		Timestamp: s.clock.Now(),
		Kind:      model.EventCleared,
		Actor:     actor.String(),
		Count:     n,
	})
	if s.logger != nil {
		s.logger.Debug("cooldowns cleared", "actor", actor.String(), "count", n)
	}
	return n
}

// ListFor returns the active cooldowns of actor. Expired entries found on the way are reaped.
func (s *Service) ListFor(actor model.ActorID) []model.Entry {
	now := s.clock.Now()
	entries := s.registry.ListFor(actor)
	out := make([]model.Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsExpired(now) {
			s.reap(e.Key, now)
			continue
		}
		out = append(out, e)
	}
	return out
}

// StatusFor is ListFor rendered as statuses at a single instant, sorted by action.
func (s *Service) StatusFor(actor model.ActorID) []Status {
	now := s.clock.Now()
	entries := s.registry.ListFor(actor)
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		if e.IsExpired(now) {
			s.reap(e.Key, now)
			continue
		}
		out = append(out, statusOf(e, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// RunAfterConsumption consumes the cooldown and, on success, hands fn to the
// scheduler to run once d has passed. fn is never called when the cooldown is active.
func (s *Service) RunAfterConsumption(actor model.ActorID, action model.ActionID, d time.Duration, fn func()) (bool, error) {
	if s.scheduler == nil {
		return false, ErrNoScheduler
	}
	if fn == nil {
		return false, errors.New("run after consumption: nil callback")
	}
	if err := validate(actor, action, d); err != nil {
		return false, err
	}
	if _, ok := s.consume(keyOf(actor, action), d); !ok {
		return false, nil
	}
	s.scheduler.RunLater(scheduler.Ticks(d, s.tick), fn)
	return true, nil
}

// TryConsumeNotify is TryConsume that also records a ready event once the
// window has lapsed. No ready event is recorded for a window that was
// replaced by a later consume.
func (s *Service) TryConsumeNotify(actor model.ActorID, action model.ActionID, d time.Duration) (bool, error) {
	if s.scheduler == nil {
		return false, ErrNoScheduler
	}
	if err := validate(actor, action, d); err != nil {
		return false, err
	}
	entry, ok := s.consume(keyOf(actor, action), d)
	if !ok {
		return false, nil
	}
	s.scheduleReady(entry, d)
	return true, nil
}

func (s *Service) scheduleReady(entry model.Entry, d time.Duration) {
	s.scheduler.RunLater(scheduler.Ticks(d, s.tick), func() {
		s.notifyReady(entry)
	})
}

// notifyReady runs on the scheduler. Tick rounding can fire it before the
// deadline, in which case it waits out the rest of the window.
func (s *Service) notifyReady(entry model.Entry) {
	if current, ok := s.registry.Find(entry.Key); ok && !current.Expiration.At.Equal(entry.Expiration.At) {
		return
	}
	now := s.clock.Now()
	if left := entry.Remaining(now); left > 0 {
		s.scheduleReady(entry, left)
		return
	}
	s.recorder.Record(model.Event{
		Timestamp: now,
		Kind:      model.EventReady,
		Actor:     entry.Key.Actor.String(),
		Action:    string(entry.Key.Action),
		Until:     entry.Expiration.At,
	})
}

// Sweep reaps every expired entry and reports how many were removed.
func (s *Service) Sweep() int {
	now := s.clock.Now()
	reaped := s.registry.Sweep(now)
	for _, e := range reaped {
		s.recordExpired(e, now)
	}
	return len(reaped)
}

// StartSweeper runs Sweep every interval until ctx is done. A non-positive interval disables it.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(); n > 0 && s.logger != nil {
					s.logger.Debug("expired cooldowns swept", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Service) Len() int {
	return s.registry.Len()
}

// consume is the only path that creates a cooldown. The decision is taken
// under the shard lock, so concurrent callers for one key get one winner.
func (s *Service) consume(key model.Key, d time.Duration) (model.Entry, bool) {
	var now time.Time
	entry, granted := s.registry.SaveIf(key, func(current model.Entry, exists bool) (model.Entry, bool) {
		now = s.clock.Now()
		if exists && !current.IsExpired(now) {
			return current, false
		}
		return model.Entry{Key: key, Expiration: model.ExpirationAfter(now, d)}, true
	})
	if !granted {
		s.recorder.Record(model.Event{
			Timestamp: now,
			Kind:      model.EventRejected,
			Actor:     key.Actor.String(),
			Action:    string(key.Action),
			Duration:  entry.Remaining(now),
			Until:     entry.Expiration.At,
		})
		return entry, false
	}
	s.recorder.Record(model.Event{
		Timestamp: now,
		Kind:      model.EventConsumed,
		Actor:     key.Actor.String(),
		Action:    string(key.Action),
		Duration:  d,
		Until:     entry.Expiration.At,
	})
	if s.logger != nil {
		s.logger.Debug("cooldown consumed", "actor", key.Actor.String(), "action", string(key.Action), "duration", d.String())
	}
	return entry, true
}

func (s *Service) active(key model.Key) (model.Entry, bool) {
	e, ok := s.registry.Find(key)
	if !ok {
		return model.Entry{}, false
	}
	now := s.clock.Now()
	if e.IsExpired(now) {
		s.reap(key, now)
		return model.Entry{}, false
	}
	return e, true
}

// reap removes key only if the stored entry is still expired, so a concurrent
// consume is never undone.
func (s *Service) reap(key model.Key, now time.Time) {
	var stale model.Entry
	removed := s.registry.RemoveIf(key, func(e model.Entry) bool {
		stale = e
		return e.IsExpired(now)
	})
	if removed {
		s.recordExpired(stale, now)
	}
}

func (s *Service) recordExpired(e model.Entry, now time.Time) {
	s.recorder.Record(model.Event{
		Timestamp: now,
		Kind:      model.EventExpired,
		Actor:     e.Key.Actor.String(),
		Action:    string(e.Key.Action),
		Until:     e.Expiration.At,
	})
}

func keyOf(actor model.ActorID, action model.ActionID) model.Key {
	return model.Key{Actor: actor, Action: action.Normalize()}
}

func statusOf(e model.Entry, now time.Time) Status {
	until := e.Expiration.At
	return Status{
		Actor:     e.Key.Actor.String(),
		Action:    string(e.Key.Action),
		Active:    true,
		Remaining: e.Remaining(now),
		Until:     &until,
	}
}

func validate(actor model.ActorID, action model.ActionID, d time.Duration) error {
	if actor.IsZero() {
		return model.ErrInvalidActor
	}
	if _, err := model.NewActionID(string(action)); err != nil {
		return err
	}
	return model.ValidateDuration(d)
}
