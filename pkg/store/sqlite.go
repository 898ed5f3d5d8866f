// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS subscription (
	id        TEXT PRIMARY KEY,
	initiator TEXT,
	timestamp INTEGER,
	email     TEXT,
	thread_id TEXT,
	mx_id     TEXT,
	room_id   TEXT
)`

// SQLite is a file-backed Store.
type SQLite struct {
	db  *sqlx.DB
	log zerolog.Logger
}

func NewSQLite(path string, log zerolog.Logger) (*SQLite, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db at %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to provision subscription table: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite subscription store ready")
	return &SQLite{db: db, log: log.With().Str("component", "sqlite_store").Logger()}, nil
}

func (s *SQLite) Save(ctx context.Context, rec Record) error {
	s.log.Debug().Str("subscription", rec.ID).Msg("Storing subscription")
	_, err := s.db.NamedExecContext(ctx,
		`REPLACE INTO subscription (id, initiator, timestamp, email, thread_id, mx_id, room_id)
		 VALUES (:id, :initiator, :timestamp, :email, :thread_id, :mx_id, :room_id)`, rec)
	if err != nil {
		return fmt.Errorf("failed to store subscription %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	s.log.Debug().Str("subscription", id).Msg("Deleting subscription")
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscription WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	var recs []Record
	if err := s.db.SelectContext(ctx, &recs, `SELECT * FROM subscription`); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return recs, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
