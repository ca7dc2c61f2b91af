package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTick is the length of one host scheduling unit.
const DefaultTick = 50 * time.Millisecond

// Scheduler runs work after a delay expressed in ticks.
type Scheduler interface {
	RunLater(delayTicks int64, fn func()) Task
}

type Task interface {
	// Cancel stops the task if it has not run yet and reports whether it did so.
	Cancel() bool
}

// Ticks converts d into whole ticks, rounding down, never below one.
func Ticks(d, tick time.Duration) int64 {
	if tick <= 0 {
		tick = DefaultTick
	}
	n := int64(d / tick)
	if n < 1 {
		n = 1
	}
	return n
}

// TimerScheduler runs tasks on time.AfterFunc timers.
type TimerScheduler struct {
	tick   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*timerTask
	stopped bool
}

type timerTask struct {
	id    uint64
	owner *TimerScheduler
	timer *time.Timer
}

func NewTimerScheduler(tick time.Duration, logger *slog.Logger) *TimerScheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &TimerScheduler{
		tick:    tick,
		logger:  logger,
		pending: make(map[uint64]*timerTask),
	}
}

func (s *TimerScheduler) Tick() time.Duration {
	return s.tick
}

// RunLater schedules fn after delayTicks ticks. Delays below one tick run after one tick.
// After Stop the returned task is already cancelled.
func (s *TimerScheduler) RunLater(delayTicks int64, fn func()) Task {
	if delayTicks < 1 {
		delayTicks = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &timerTask{id: s.nextID, owner: s}
	if s.stopped {
		return t
	}
	s.pending[t.id] = t
	t.timer = time.AfterFunc(time.Duration(delayTicks)*s.tick, func() {
		if !s.finish(t.id) {
			return
		}
		s.run(fn)
	})
	return t
}

func (s *TimerScheduler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("scheduled task panicked", "panic", r)
		}
	}()
	fn()
}

func (s *TimerScheduler) finish(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

func (t *timerTask) Cancel() bool {
	if t.timer == nil || !t.owner.finish(t.id) {
		return false
	}
	t.timer.Stop()
	return true
}

// Pending reports how many tasks are waiting to run.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending task and rejects new ones.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.pending {
		t.timer.Stop()
		delete(s.pending, id)
	}
	if s.logger != nil {
		s.logger.Info("scheduler stopped")
	}
}
