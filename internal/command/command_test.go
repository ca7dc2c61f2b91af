package command

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cooldownd/internal/config"
	"cooldownd/internal/engine"
	"cooldownd/internal/model"
	"cooldownd/internal/scheduler"
)

func TestParseJSONAliases(t *testing.T) {
	id := uuid.NewString()
	fields, err := ParseJSONBytes([]byte(`{"Player":"` + id + `","cooldown":"kit","seconds":1000000,"type":"consume"}`))
	require.NoError(t, err)
	assert.Equal(t, id, fields.Actor)
	assert.Equal(t, "kit", fields.Action)
	assert.Equal(t, "1000000", fields.Duration)
	assert.Equal(t, "consume", fields.Op)

	_, err = ParseJSONBytes([]byte(`not json`))
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Cooldowns.Actions["teleport"] = config.Duration(30 * time.Second)
	id := uuid.NewString()

	cmd, err := Normalize(Fields{Actor: id, Action: "teleport"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, OpConsume, cmd.Op)
	assert.Equal(t, 30*time.Second, cmd.Duration)

	cmd, err = Normalize(Fields{Actor: id, Action: "other"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Cooldowns.DefaultDuration.Std(), cmd.Duration)

	cmd, err = Normalize(Fields{Op: "consume", Actor: id, Action: "kit", Duration: "2m"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cmd.Duration)

	cmd, err = Normalize(Fields{Op: "clear", Actor: id}, cfg)
	require.NoError(t, err)
	assert.Equal(t, OpClear, cmd.Op)

	_, err = Normalize(Fields{Op: "explode", Actor: id, Action: "kit"}, cfg)
	assert.True(t, errors.Is(err, ErrUnknownOp))
	_, err = Normalize(Fields{Actor: "nope", Action: "kit"}, cfg)
	assert.True(t, errors.Is(err, model.ErrInvalidActor))
	_, err = Normalize(Fields{Op: "reset", Actor: id}, cfg)
	assert.True(t, errors.Is(err, model.ErrInvalidAction))
	_, err = Normalize(Fields{Actor: id, Action: "kit", Duration: "-3s"}, cfg)
	assert.True(t, errors.Is(err, model.ErrInvalidDuration))
	_, err = Normalize(Fields{Actor: id, Action: "kit", Duration: "20000000000"}, cfg)
	assert.True(t, errors.Is(err, model.ErrInvalidDuration))

	fields, err := ParseJSONBytes([]byte(`{"actor":"` + id + `","action":"kit","notify":true}`))
	require.NoError(t, err)
	cmd, err = Normalize(*fields, cfg)
	require.NoError(t, err)
	assert.True(t, cmd.Notify)
	_, err = Normalize(Fields{Actor: id, Action: "kit", Notify: "maybe"}, cfg)
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	svc := engine.NewService(engine.NewRegistry(2), nil, nil)
	actor, err := model.ParseActorID(uuid.NewString())
	require.NoError(t, err)

	res, err := Apply(svc, Command{Op: OpConsume, Actor: actor, Action: "kit", Duration: time.Hour})
	require.NoError(t, err)
	assert.True(t, res.Granted)

	res, err = Apply(svc, Command{Op: OpConsume, Actor: actor, Action: "kit", Duration: time.Hour})
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Greater(t, res.Remaining, time.Duration(0))

	res, err = Apply(svc, Command{Op: OpReset, Actor: actor, Action: "kit"})
	require.NoError(t, err)
	assert.False(t, svc.IsOnCooldown(actor, "kit"))

	_, _ = Apply(svc, Command{Op: OpConsume, Actor: actor, Action: "home", Duration: time.Hour})
	res, err = Apply(svc, Command{Op: OpClear, Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cleared)

	_, err = Apply(svc, Command{Op: "bogus", Actor: actor})
	assert.Error(t, err)
}

type manualScheduler struct {
	fns []func()
}

func (m *manualScheduler) RunLater(_ int64, fn func()) scheduler.Task {
	m.fns = append(m.fns, fn)
	return nil
}

type eventLog struct {
	events []model.Event
}

func (l *eventLog) Record(ev model.Event) { l.events = append(l.events, ev) }

func TestApplyNotify(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := engine.ClockFunc(func() time.Time { return now })
	sched := &manualScheduler{}
	rec := &eventLog{}
	svc := engine.NewService(engine.NewRegistry(2), clock, nil,
		engine.WithRecorder(rec), engine.WithScheduler(sched, 50*time.Millisecond))
	actor, err := model.ParseActorID(uuid.NewString())
	require.NoError(t, err)

	res, err := Apply(svc, Command{Op: OpConsume, Actor: actor, Action: "kit", Duration: time.Second, Notify: true})
	require.NoError(t, err)
	assert.True(t, res.Granted)
	require.Len(t, sched.fns, 1)

	now = now.Add(time.Second)
	sched.fns[0]()
	require.NotEmpty(t, rec.events)
	assert.Equal(t, model.EventReady, rec.events[len(rec.events)-1].Kind)

	_, err = Apply(engine.NewService(nil, nil, nil), Command{Op: OpConsume, Actor: actor, Action: "kit", Duration: time.Second, Notify: true})
	assert.ErrorIs(t, err, engine.ErrNoScheduler)
}
