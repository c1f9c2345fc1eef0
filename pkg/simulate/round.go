// Package simulate runs round-based candidate evaluation. Rounds for one
// entity are strictly sequential and persisted before the engine advances;
// entities run in parallel. Every round resolves to a decision — a timed-out
// or failed round is recorded as Reject, never left open.
package simulate

import (
	"context"
	"time"
)

// Decision classifies one round.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionPromote  Decision = "promote"
	DecisionReject   Decision = "reject"
)

// Terminal reports whether the decision ends the entity's run.
func (d Decision) Terminal() bool {
	return d == DecisionPromote || d == DecisionReject
}

// Reasons attached to engine-forced Reject decisions.
const (
	ReasonTimeout   = "Timeout"
	ReasonMaxRounds = "MaxRoundsExceeded"
	ReasonRuleError = "RuleEvaluation"
)

// Round is one persisted simulation iteration.
type Round struct {
	EntityID    string             `json:"entity_id"`
	RoundNumber int                `json:"round_number"`
	Metrics     map[string]float64 `json:"metrics"`
	Decision    Decision           `json:"decision"`
	Reason      string             `json:"reason,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// ResultStore persists rounds. Put is idempotent on (entity_id,
// round_number): re-writing an identical round is not an error, writing a
// different round for an existing key is a Conflict. Writes are atomic per
// round.
type ResultStore interface {
	Put(ctx context.Context, r Round) error
	Get(ctx context.Context, entityID string, roundNumber int) (Round, error)
	ListByEntity(ctx context.Context, entityID string) ([]Round, error)
}
