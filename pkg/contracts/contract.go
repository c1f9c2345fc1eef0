// Package contracts defines the versioned rule sets that gate span
// admission, and the verdict vocabulary shared by the evaluator, the
// dispatcher, and the simulation engine.
package contracts

import (
	"strconv"
	"strings"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/span"
)

// DefaultPolicy is the verdict applied when no rule matches. It is required
// configuration: there is deliberately no implicit default.
type DefaultPolicy string

const (
	PolicyAccept DefaultPolicy = "accept"
	PolicyReject DefaultPolicy = "reject"
)

// Valid reports whether the policy is one of the two allowed values.
func (p DefaultPolicy) Valid() bool {
	return p == PolicyAccept || p == PolicyReject
}

// ActionType enumerates rule actions.
type ActionType string

const (
	ActionAccept      ActionType = "accept"
	ActionReject      ActionType = "reject"
	ActionTransform   ActionType = "transform"
	ActionEmitTrigger ActionType = "emit_trigger"
)

// Rule pairs a CEL predicate with an action. Rules are evaluated in
// declared order; the first matching predicate determines the verdict.
type Rule struct {
	ID        string     `json:"id" yaml:"id"`
	Predicate string     `json:"predicate" yaml:"predicate"`
	Action    ActionType `json:"action" yaml:"action"`
	// Reason documents a reject action.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	// Transform is a CEL expression producing the replacement payload map.
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
	// TriggerID names the trigger emitted by an emit_trigger action.
	TriggerID string `json:"trigger_id,omitempty" yaml:"trigger_id,omitempty"`
}

// Contract is an immutable, versioned, ordered rule set for a scope.
// A new version supersedes but never overwrites an old one.
type Contract struct {
	ID            string        `json:"id" yaml:"id"`
	Version       string        `json:"version" yaml:"version"`
	Scope         string        `json:"scope" yaml:"scope"`
	DefaultPolicy DefaultPolicy `json:"default_policy" yaml:"default_policy"`
	Rules         []Rule        `json:"rules" yaml:"rules"`
}

// Validate checks structural consistency before publish.
func (c Contract) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return motorerr.New(motorerr.KindValidation, "contract id is empty")
	}
	if strings.TrimSpace(c.Version) == "" {
		return motorerr.New(motorerr.KindValidation, "contract version is empty").With("contract_id", c.ID)
	}
	if strings.TrimSpace(c.Scope) == "" {
		return motorerr.New(motorerr.KindValidation, "contract scope is empty").With("contract_id", c.ID)
	}
	if !c.DefaultPolicy.Valid() {
		return motorerr.Newf(motorerr.KindValidation,
			"default_policy must be %q or %q, got %q", PolicyAccept, PolicyReject, c.DefaultPolicy).
			With("contract_id", c.ID)
	}
	for i, r := range c.Rules {
		if err := r.validate(); err != nil {
			if e, ok := err.(*motorerr.Error); ok {
				return e.With("contract_id", c.ID).With("rule_index", strconv.Itoa(i))
			}
			return err
		}
	}
	return nil
}

func (r Rule) validate() error {
	if strings.TrimSpace(r.Predicate) == "" {
		return motorerr.New(motorerr.KindValidation, "rule predicate is empty")
	}
	switch r.Action {
	case ActionAccept:
	case ActionReject:
		if strings.TrimSpace(r.Reason) == "" {
			return motorerr.New(motorerr.KindValidation, "reject rule requires a reason")
		}
	case ActionTransform:
		if strings.TrimSpace(r.Transform) == "" {
			return motorerr.New(motorerr.KindValidation, "transform rule requires a transform expression")
		}
	case ActionEmitTrigger:
		if strings.TrimSpace(r.TriggerID) == "" {
			return motorerr.New(motorerr.KindValidation, "emit_trigger rule requires a trigger_id")
		}
	default:
		return motorerr.Newf(motorerr.KindValidation, "unknown rule action %q", r.Action)
	}
	return nil
}

// Snapshot is a frozen view of a resolved contract: identical
// (scope, at_version) inputs always yield an identical snapshot.
type Snapshot struct {
	ContractID    string        `json:"contract_id"`
	Version       string        `json:"version"`
	Scope         string        `json:"scope"`
	DefaultPolicy DefaultPolicy `json:"default_policy"`
	Rules         []Rule        `json:"rules"`
}

// VerdictType enumerates evaluation outcomes.
type VerdictType string

const (
	VerdictAccept      VerdictType = "accept"
	VerdictReject      VerdictType = "reject"
	VerdictTransform   VerdictType = "transform"
	VerdictEmitTrigger VerdictType = "emit_trigger"
)

// Verdict is the outcome of evaluating a span against a snapshot.
type Verdict struct {
	Type VerdictType `json:"type"`
	// RuleID names the matching rule; empty when the default policy applied.
	RuleID string `json:"rule_id,omitempty"`
	// Reason accompanies a reject verdict.
	Reason string `json:"reason,omitempty"`
	// Payload carries the replacement payload of a transform verdict.
	Payload *span.Payload `json:"payload,omitempty"`
	// TriggerID names the trigger to emit.
	TriggerID string `json:"trigger_id,omitempty"`
}
