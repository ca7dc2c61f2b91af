package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cooldownd/internal/config"
	"cooldownd/internal/model"
)

// Store is the audit trail of cooldown transitions. It is write-mostly and is
// never used to rebuild the in-memory registry.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveEvents(ctx context.Context, events []model.Event) error
	RecentEvents(ctx context.Context, limit int) ([]model.Event, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) init(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (b *baseStore) SaveEvents(ctx context.Context, events []model.Event) error {
	if b.db == nil || len(events) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	args := make([]string, 8)
	for i := range args {
		args[i] = b.placeholder(i + 1)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cooldown_events (ts, kind, actor, action, duration_ms, until_ts, count, recorded_at)
		VALUES (`+strings.Join(args, ", ")+`)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.Timestamp.UTC(),
			string(ev.Kind),
			ev.Actor,
			ev.Action,
			ev.Duration.Milliseconds(),
			nullTime(ev.Until),
			ev.Count,
			nowUTC(),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT ts, kind, actor, action, duration_ms, until_ts, count
		FROM cooldown_events ORDER BY id DESC LIMIT `+b.placeholder(1), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Event, 0)
	for rows.Next() {
		var (
			ev         model.Event
			kind       string
			durationMS int64
			until      sql.NullTime
		)
		if err := rows.Scan(&ev.Timestamp, &kind, &ev.Actor, &ev.Action, &durationMS, &until, &ev.Count); err != nil {
			return nil, err
		}
		ev.Kind = model.EventKind(kind)
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		if until.Valid {
			ev.Until = until.Time
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
