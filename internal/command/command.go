package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cooldownd/internal/config"
	"cooldownd/internal/engine"
	"cooldownd/internal/model"
)

var ErrUnknownOp = errors.New("unknown command op")

type Op string

const (
	OpConsume Op = "consume"
	OpReset   Op = "reset"
	OpClear   Op = "clear"
)

// Fields is a command as received, before validation.
type Fields struct {
	Op       string
	Actor    string
	Action   string
	Duration string
	Notify   string
	Extras   map[string]string
}

type Command struct {
	Op       Op
	Actor    model.ActorID
	Action   model.ActionID
	Duration time.Duration
	// Notify asks for a ready event once the consumed window lapses.
	Notify bool
}

type Result struct {
	Op        Op            `json:"op"`
	Actor     string        `json:"actor"`
	Action    string        `json:"action,omitempty"`
	Granted   bool          `json:"granted,omitempty"`
	Remaining time.Duration `json:"remaining,omitempty"`
	Cleared   int           `json:"cleared,omitempty"`
}

// Normalize validates fields. A consume without a duration uses the duration
// configured for its action.
func Normalize(fields Fields, cfg *config.Config) (Command, error) {
	op, err := ParseOp(fields.Op)
	if err != nil {
		return Command{}, err
	}
	actor, err := model.ParseActorID(fields.Actor)
	if err != nil {
		return Command{}, err
	}
	cmd := Command{Op: op, Actor: actor}
	if op == OpClear {
		return cmd, nil
	}
	if cmd.Action, err = model.NewActionID(fields.Action); err != nil {
		return Command{}, err
	}
	if op != OpConsume {
		return cmd, nil
	}
	if v := strings.TrimSpace(fields.Notify); v != "" {
		if cmd.Notify, err = strconv.ParseBool(v); err != nil {
			return Command{}, fmt.Errorf("notify: %w", err)
		}
	}
	if strings.TrimSpace(fields.Duration) == "" {
		if cfg == nil {
			cfg = config.DefaultConfig()
		}
		cmd.Duration = cfg.ActionDuration(string(cmd.Action))
		return cmd, nil
	}
	if cmd.Duration, err = model.ParseDuration(fields.Duration); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func ParseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "consume", "use", "trigger":
		return OpConsume, nil
	case "reset", "remove":
		return OpReset, nil
	case "clear", "clear_all", "clearall":
		return OpClear, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOp, s)
}

// Apply runs cmd against svc.
func Apply(svc *engine.Service, cmd Command) (Result, error) {
	res := Result{Op: cmd.Op, Actor: cmd.Actor.String(), Action: string(cmd.Action)}
	switch cmd.Op {
	case OpConsume:
		consume := svc.TryConsume
		if cmd.Notify {
			consume = svc.TryConsumeNotify
		}
		ok, err := consume(cmd.Actor, cmd.Action, cmd.Duration)
		if err != nil {
			return Result{}, err
		}
		res.Granted = ok
		if !ok {
			res.Remaining = svc.Remaining(cmd.Actor, cmd.Action)
		}
	case OpReset:
		svc.Reset(cmd.Actor, cmd.Action)
	case OpClear:
		res.Cleared = svc.ClearAllFor(cmd.Actor)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
	}
	return res, nil
}
