// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/matrix-email-bridge/pkg/store"
)

// EndpointProvider builds and indexes endpoints for one protocol side.
type EndpointProvider interface {
	// Endpoint returns the live endpoint for (identity, channel),
	// creating it if needed.
	Endpoint(identity, channel string) (Endpoint, error)
	// Key derives the side's deterministic correlation key.
	Key(identity, channel string) string
}

// Manager owns all live subscriptions. It deduplicates creation, indexes
// subscriptions by their e-mail-side and Matrix-side keys, evicts them on
// termination and bridges persistence.
//
// One mutex serializes every index mutation: creation has to be
// exactly-once under concurrent triggers from both protocols. The two
// correlation indices map key to subscription id and are revalidated
// against the authoritative subs map on lookup, so an entry left behind by
// a concurrent termination reads as absent rather than as a stale object.
type Manager struct {
	emailSide  EndpointProvider
	matrixSide EndpointProvider
	formatter  Formatter
	records    store.Store
	log        zerolog.Logger

	mu       sync.Mutex
	subs     map[string]*Subscription
	byEmail  map[string]string
	byMatrix map[string]string
}

func NewManager(emailSide, matrixSide EndpointProvider, formatter Formatter, records store.Store, log zerolog.Logger) *Manager {
	return &Manager{
		emailSide:  emailSide,
		matrixSide: matrixSide,
		formatter:  formatter,
		records:    records,
		log:        log.With().Str("component", "subscriptions").Logger(),
		subs:       make(map[string]*Subscription),
		byEmail:    make(map[string]string),
		byMatrix:   make(map[string]string),
	}
}

// Load rehydrates all persisted subscriptions, rebuilding both indices and
// their endpoints. It must complete before the bridge accepts Matrix
// transactions.
func (m *Manager) Load(ctx context.Context) error {
	recs, err := m.records.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted subscriptions: %w", err)
	}

	m.log.Info().Int("count", len(recs)).Msg("Loading persisted subscriptions")

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if _, err := m.buildLocked(rec); err != nil {
			m.log.Error().Err(err).Str("subscription", rec.ID).Msg("Failed to rebuild subscription, skipping")
			continue
		}
		m.log.Info().Str("subscription", rec.ID).Msg("Subscription loaded")
	}
	return nil
}

// GetOrCreate returns the live subscription for (mxUserID, roomID),
// creating and persisting a new one if none exists. Creation is idempotent
// under concurrent triggers: the lookup and the build run under one lock.
func (m *Manager) GetOrCreate(ctx context.Context, initiator string, at time.Time, email, mxUserID, roomID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub := m.lookupLocked(m.matrixSide.Key(mxUserID, roomID), m.byMatrix); sub != nil {
		return sub, nil
	}

	var subID string
	for {
		subID = uuid.NewString()
		if _, taken := m.subs[subID]; !taken {
			break
		}
	}
	threadID := strings.ReplaceAll(subID, "-", "")

	rec := store.Record{
		ID:           subID,
		Initiator:    initiator,
		Timestamp:    at.UnixMilli(),
		Email:        email,
		ThreadID:     threadID,
		MatrixUserID: mxUserID,
		RoomID:       roomID,
	}

	sub, err := m.buildLocked(rec)
	if err != nil {
		return nil, err
	}
	if err := m.records.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist subscription %s: %w", subID, err)
	}
	return sub, nil
}

// buildLocked constructs a subscription and registers it in all three
// maps. The caller holds m.mu.
func (m *Manager) buildLocked(rec store.Record) (*Subscription, error) {
	m.log.Info().
		Str("subscription", rec.ID).
		Str("email", rec.Email).
		Str("thread_id", rec.ThreadID).
		Str("mx_id", rec.MatrixUserID).
		Str("room_id", rec.RoomID).
		Msg("Creating subscription")

	emailEP, err := m.emailSide.Endpoint(rec.Email, rec.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to build e-mail endpoint: %w", err)
	}
	matrixEP, err := m.matrixSide.Endpoint(rec.MatrixUserID, rec.RoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to build Matrix endpoint: %w", err)
	}

	emailKey := m.emailSide.Key(rec.Email, rec.ThreadID)
	matrixKey := m.matrixSide.Key(rec.MatrixUserID, rec.RoomID)

	sub := NewSubscription(rec.ID, rec.Initiator, time.UnixMilli(rec.Timestamp), m.formatter, emailKey, emailEP, matrixKey, matrixEP, m.log)
	sub.AddListener(m.remove)

	m.subs[rec.ID] = sub
	m.byEmail[emailKey] = rec.ID
	m.byMatrix[matrixKey] = rec.ID

	return sub, nil
}

// remove evicts a terminated subscription from both indices and deletes
// its persisted record. Wired as a subscription listener, so it runs
// exactly once per subscription.
func (m *Manager) remove(sub *Subscription) {
	m.mu.Lock()
	delete(m.byEmail, sub.EmailKey())
	delete(m.byMatrix, sub.MatrixKey())
	delete(m.subs, sub.ID())
	m.mu.Unlock()

	m.log.Info().Str("subscription", sub.ID()).Msg("Removing subscription")
	if err := m.records.Delete(context.Background(), sub.ID()); err != nil {
		m.log.Error().Err(err).Str("subscription", sub.ID()).Msg("Failed to delete persisted subscription")
	}
}

// lookupLocked resolves an index entry, treating a dangling or obsolete
// one as absent. The caller holds m.mu.
func (m *Manager) lookupLocked(key string, index map[string]string) *Subscription {
	id, ok := index[key]
	if !ok {
		return nil
	}
	sub, ok := m.subs[id]
	if !ok || sub.Closed() {
		m.log.Warn().Str("key", key).Msg("Found existing mapping for obsolete key, pruning")
		delete(index, key)
		return nil
	}
	return sub
}

// GetWithEmailKey looks up a live subscription by its e-mail-side key.
func (m *Manager) GetWithEmailKey(key string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.lookupLocked(key, m.byEmail)
	return sub, sub != nil
}

// GetWithMatrixKey looks up a live subscription by its Matrix-side key.
func (m *Manager) GetWithMatrixKey(key string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.lookupLocked(key, m.byMatrix)
	return sub, sub != nil
}

// ListForEmail returns all live subscriptions whose e-mail endpoint
// identity matches the given address.
func (m *Manager) ListForEmail(email string) []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Subscription
	for _, sub := range m.subs {
		if sub.EmailEndpoint().Identity() == email {
			out = append(out, sub)
		}
	}
	return out
}
