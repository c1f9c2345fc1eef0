// Package store provides ResultStore implementations: transient in-process,
// durable SQLite, and network-backed Postgres.
package store

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/simulate"
)

// Memory is the transient ResultStore; state is lost on restart.
type Memory struct {
	mu     sync.RWMutex
	rounds map[string]map[int]simulate.Round
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{rounds: make(map[string]map[int]simulate.Round)}
}

// Put implements simulate.ResultStore. Re-writing an identical round is a
// no-op; a different round for the same key is a Conflict.
func (m *Memory) Put(_ context.Context, r simulate.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byRound, ok := m.rounds[r.EntityID]
	if !ok {
		byRound = make(map[int]simulate.Round)
		m.rounds[r.EntityID] = byRound
	}
	if existing, ok := byRound[r.RoundNumber]; ok {
		if roundsEqual(existing, r) {
			return nil
		}
		return motorerr.New(motorerr.KindConflict, "different round already persisted").
			With("entity_id", r.EntityID).With("round", strconv.Itoa(r.RoundNumber))
	}
	byRound[r.RoundNumber] = cloneRound(r)
	return nil
}

// Get implements simulate.ResultStore.
func (m *Memory) Get(_ context.Context, entityID string, roundNumber int) (simulate.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rounds[entityID][roundNumber]
	if !ok {
		return simulate.Round{}, motorerr.New(motorerr.KindNotFound, "round not found").
			With("entity_id", entityID).With("round", strconv.Itoa(roundNumber))
	}
	return cloneRound(r), nil
}

// ListByEntity implements simulate.ResultStore, ordered by round number.
func (m *Memory) ListByEntity(_ context.Context, entityID string) ([]simulate.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byRound := m.rounds[entityID]
	out := make([]simulate.Round, 0, len(byRound))
	for _, r := range byRound {
		out = append(out, cloneRound(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundNumber < out[j].RoundNumber })
	return out, nil
}

func roundsEqual(a, b simulate.Round) bool {
	if a.EntityID != b.EntityID || a.RoundNumber != b.RoundNumber ||
		a.Decision != b.Decision || a.Reason != b.Reason || !a.Timestamp.Equal(b.Timestamp) {
		return false
	}
	if len(a.Metrics) != len(b.Metrics) {
		return false
	}
	for name, v := range a.Metrics {
		if bv, ok := b.Metrics[name]; !ok || bv != v {
			return false
		}
	}
	return true
}

func cloneRound(r simulate.Round) simulate.Round {
	out := r
	out.Metrics = make(map[string]float64, len(r.Metrics))
	for name, v := range r.Metrics {
		out.Metrics[name] = v
	}
	return out
}
