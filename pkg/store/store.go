// Copyright 2024-2026 Aiku AI

// Package store persists subscription records. The contract is a plain
// key/value surface with last-write-wins semantics per id; no transactions
// are required by the bridge core.
package store

import (
	"context"
	"sync"
)

// Record is the flattened form of a subscription.
type Record struct {
	ID           string `db:"id" json:"id"`
	Initiator    string `db:"initiator" json:"initiator"`
	Timestamp    int64  `db:"timestamp" json:"timestamp"`
	Email        string `db:"email" json:"email"`
	ThreadID     string `db:"thread_id" json:"thread_id"`
	MatrixUserID string `db:"mx_id" json:"mx_id"`
	RoomID       string `db:"room_id" json:"room_id"`
}

// Store is the persistence contract consumed by the subscription manager.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Memory is an in-process Store, used in tests and as the default backend
// when no storage is configured.
type Memory struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemory() *Memory {
	return &Memory{recs: make(map[string]Record)}
}

func (m *Memory) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *Memory) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]Record, 0, len(m.recs))
	for _, rec := range m.recs {
		recs = append(recs, rec)
	}
	return recs, nil
}

func (m *Memory) Close() error { return nil }
