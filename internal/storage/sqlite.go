package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:cooldownd.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer; the audit pipeline is the only caller.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, placeholder: func(int) string { return "?" }}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.init(ctx, []string{
		`CREATE TABLE IF NOT EXISTS cooldown_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TIMESTAMP NOT NULL,
			kind TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			until_ts TIMESTAMP,
			count INTEGER NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cooldown_events_ts ON cooldown_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_cooldown_events_actor ON cooldown_events(actor, action)`,
	})
}
