package ingest

import (
	"context"
	"log/slog"
	"time"

	"cooldownd/internal/command"
	"cooldownd/internal/engine"
)

func SendNonBlocking(ctx context.Context, out chan<- command.Command, cmd command.Command, logger *slog.Logger) bool {
	select {
	case out <- cmd:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("command channel full, dropping command", "actor", cmd.Actor.String(), "action", string(cmd.Action), "op", string(cmd.Op))
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Dispatch applies commands from in to svc until ctx is done.
func Dispatch(ctx context.Context, svc *engine.Service, in <-chan command.Command, logger *slog.Logger) {
	for {
		select {
		case cmd := <-in:
			res, err := command.Apply(svc, cmd)
			if err != nil {
				if logger != nil {
					logger.Warn("command failed", "err", err, "actor", cmd.Actor.String(), "op", string(cmd.Op))
				}
				continue
			}
			if logger != nil {
				logger.Debug("command applied", "actor", res.Actor, "action", res.Action, "op", string(res.Op), "granted", res.Granted)
			}
		case <-ctx.Done():
			return
		}
	}
}
