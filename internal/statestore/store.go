// Package statestore persists per-alert edge-trigger state across cron passes.
//
// Updates are buffered in memory and written to the KV backend as a single
// record, at most once per flush interval. A buffered update is visible to
// LoadAll in the same process before it reaches the backend, so durable state
// may lag by up to one interval but no update is dropped.
package statestore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "stockly/internal/errors"
	"stockly/internal/models"
)

// DefaultKey is the KV key holding all alert states.
const DefaultKey = "alert_states:v1"

const recordVersion = 1

// record is the compact on-disk form of one snapshot.
type record struct {
	C bool     `json:"c"`
	P *float64 `json:"p,omitempty"`
	T *int64   `json:"t,omitempty"` // unix millis
}

// envelope is the single value stored under the state key.
type envelope struct {
	V  int                        `json:"v"`
	At int64                      `json:"at"`
	S  map[string]json.RawMessage `json:"s"`
}

// Config configures a Store.
type Config struct {
	Key    string
	Logger zerolog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// FlushResult describes what a Flush call did.
type FlushResult struct {
	Written      bool
	Deferred     bool
	Count        int // snapshots pending (deferred) or written
	NextEligible time.Time
}

// Store buffers snapshots and writes them through to a KV backend.
// One Store lives for the whole process.
type Store struct {
	kv     KV
	key    string
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	pending   map[string]models.AlertStateSnapshot
	lastFlush time.Time
}

// New creates a Store over kv. A nil kv yields an unconfigured store.
func New(kv KV, cfg Config) *Store {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		kv:      kv,
		key:     cfg.Key,
		logger:  cfg.Logger,
		now:     cfg.Now,
		pending: make(map[string]models.AlertStateSnapshot),
	}
}

// Configured returns true if a backend is attached.
func (s *Store) Configured() bool {
	return s != nil && s.kv != nil
}

// LoadAll returns every known snapshot, with buffered updates layered over
// the persisted ones. Corrupt entries are dropped and logged; only a backend
// read failure is returned as an error.
func (s *Store) LoadAll(ctx context.Context) (map[string]models.AlertStateSnapshot, error) {
	if !s.Configured() {
		return nil, apperrors.ErrNotConfigured
	}

	persisted, err := s.readPersisted(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for id, snap := range s.pending {
		persisted[id] = snap
	}
	s.mu.Unlock()

	return persisted, nil
}

// Update buffers a snapshot for alertID. It does not touch the backend.
func (s *Store) Update(alertID string, snapshot models.AlertStateSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[alertID] = snapshot
}

// Pending returns the number of buffered snapshots.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes buffered snapshots if at least minInterval has passed since
// the last physical write. Otherwise the buffer is kept for a later call.
// A failed write also keeps the buffer.
func (s *Store) Flush(ctx context.Context, minInterval time.Duration) (FlushResult, error) {
	if !s.Configured() {
		return FlushResult{}, apperrors.ErrNotConfigured
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return FlushResult{}, nil
	}

	now := s.now()
	if !s.lastFlush.IsZero() && now.Sub(s.lastFlush) < minInterval {
		next := s.lastFlush.Add(minInterval)
		s.logger.Debug().
			Int("pending", len(s.pending)).
			Time("next_eligible", next).
			Msg("State flush deferred")
		return FlushResult{Deferred: true, Count: len(s.pending), NextEligible: next}, nil
	}

	return s.writeLocked(ctx, now)
}

// ForceFlush writes buffered snapshots regardless of the interval.
func (s *Store) ForceFlush(ctx context.Context) (FlushResult, error) {
	if !s.Configured() {
		return FlushResult{}, apperrors.ErrNotConfigured
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return FlushResult{}, nil
	}
	return s.writeLocked(ctx, s.now())
}

// Clear drops the buffer and forgets the last flush time.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]models.AlertStateSnapshot)
	s.lastFlush = time.Time{}
}

// writeLocked merges the buffer into the persisted record and writes it.
// Caller holds s.mu.
func (s *Store) writeLocked(ctx context.Context, now time.Time) (FlushResult, error) {
	raw, err := s.readRaw(ctx)
	if err != nil {
		return FlushResult{}, err
	}

	for id, snap := range s.pending {
		encoded, err := json.Marshal(encodeSnapshot(snap))
		if err != nil {
			return FlushResult{}, apperrors.NewStoreError("encode", id, err)
		}
		raw[id] = encoded
	}

	body, err := json.Marshal(envelope{V: recordVersion, At: now.UnixMilli(), S: raw})
	if err != nil {
		return FlushResult{}, apperrors.NewStoreError("encode", s.key, err)
	}

	if err := s.kv.Put(ctx, s.key, body); err != nil {
		return FlushResult{}, err
	}

	count := len(s.pending)
	s.pending = make(map[string]models.AlertStateSnapshot)
	s.lastFlush = now

	s.logger.Debug().Int("count", count).Int("bytes", len(body)).Msg("State flushed")
	return FlushResult{Written: true, Count: count}, nil
}

// readRaw returns the persisted entries without decoding them, so a corrupt
// entry survives a flush untouched rather than being silently dropped.
func (s *Store) readRaw(ctx context.Context) (map[string]json.RawMessage, error) {
	body, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}
	if !ok || len(body) == 0 {
		return make(map[string]json.RawMessage), nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.S == nil {
		s.logger.Warn().Err(err).Str("key", s.key).Msg("Discarding unreadable state record")
		return make(map[string]json.RawMessage), nil
	}
	return env.S, nil
}

func (s *Store) readPersisted(ctx context.Context) (map[string]models.AlertStateSnapshot, error) {
	raw, err := s.readRaw(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.AlertStateSnapshot, len(raw))
	for id, entry := range raw {
		var rec record
		if err := json.Unmarshal(entry, &rec); err != nil {
			s.logger.Warn().Err(err).Str("alert_id", id).Msg("Skipping corrupt alert state")
			continue
		}
		out[id] = decodeSnapshot(rec)
	}
	return out, nil
}

func encodeSnapshot(snap models.AlertStateSnapshot) record {
	rec := record{C: snap.LastConditionMet, P: snap.LastPrice}
	if snap.LastTriggeredAt != nil {
		ms := snap.LastTriggeredAt.UnixMilli()
		rec.T = &ms
	}
	return rec
}

func decodeSnapshot(rec record) models.AlertStateSnapshot {
	snap := models.AlertStateSnapshot{LastConditionMet: rec.C, LastPrice: rec.P}
	if rec.T != nil {
		t := time.UnixMilli(*rec.T).UTC()
		snap.LastTriggeredAt = &t
	}
	return snap
}
