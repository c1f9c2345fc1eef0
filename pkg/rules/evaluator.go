// Package rules applies a resolved contract snapshot to a span draft.
// Evaluation is first-match-wins over the snapshot's declared rule order and
// depends only on (span, snapshot, context): no wall clock, no environment.
package rules

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/danvoulez/logline-motor/pkg/contracts"
	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/span"
)

// EvalContext carries caller-supplied evaluation inputs, exposed to
// predicates as the `ctx` variable.
type EvalContext map[string]any

// Evaluator compiles and caches CEL programs for rule predicates and
// transforms. Safe for concurrent use.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	profile  *Profile
}

// NewEvaluator creates an evaluator with the standard environment:
// `span` and `ctx` are dynamic maps.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("span", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, motorerr.Wrap(motorerr.KindRuleEvaluation, "cel environment setup failed", err)
	}
	return &Evaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
		profile:  NewProfile(),
	}, nil
}

// Evaluate applies the snapshot to the draft. The first rule whose predicate
// matches determines the verdict; if none matches, the snapshot's explicit
// default policy applies.
func (e *Evaluator) Evaluate(ctx context.Context, d span.Draft, snap contracts.Snapshot, evalCtx EvalContext) (contracts.Verdict, error) {
	if evalCtx == nil {
		evalCtx = EvalContext{}
	}
	input := map[string]any{
		"span": spanInput(d),
		"ctx":  map[string]any(evalCtx),
	}

	for _, rule := range snap.Rules {
		matched, err := e.evalBool(rule.Predicate, input)
		if err != nil {
			return contracts.Verdict{}, motorerr.Wrap(motorerr.KindRuleEvaluation, "predicate evaluation failed", err).
				With("rule_id", rule.ID).With("contract_id", snap.ContractID)
		}
		if !matched {
			continue
		}
		return e.verdictFor(rule, input, snap)
	}

	switch snap.DefaultPolicy {
	case contracts.PolicyAccept:
		return contracts.Verdict{Type: contracts.VerdictAccept}, nil
	case contracts.PolicyReject:
		return contracts.Verdict{Type: contracts.VerdictReject, Reason: "no rule matched"}, nil
	}
	// Publish-time validation makes this unreachable; fail closed anyway.
	return contracts.Verdict{}, motorerr.New(motorerr.KindRuleEvaluation, "snapshot has no default policy").
		With("contract_id", snap.ContractID)
}

func (e *Evaluator) verdictFor(rule contracts.Rule, input map[string]any, snap contracts.Snapshot) (contracts.Verdict, error) {
	switch rule.Action {
	case contracts.ActionAccept:
		return contracts.Verdict{Type: contracts.VerdictAccept, RuleID: rule.ID}, nil
	case contracts.ActionReject:
		return contracts.Verdict{Type: contracts.VerdictReject, RuleID: rule.ID, Reason: rule.Reason}, nil
	case contracts.ActionEmitTrigger:
		return contracts.Verdict{Type: contracts.VerdictEmitTrigger, RuleID: rule.ID, TriggerID: rule.TriggerID}, nil
	case contracts.ActionTransform:
		payload, err := e.evalMap(rule.Transform, input)
		if err != nil {
			return contracts.Verdict{}, motorerr.Wrap(motorerr.KindRuleEvaluation, "transform evaluation failed", err).
				With("rule_id", rule.ID).With("contract_id", snap.ContractID)
		}
		return contracts.Verdict{
			Type:    contracts.VerdictTransform,
			RuleID:  rule.ID,
			Payload: span.PayloadFromMap(payload),
		}, nil
	}
	return contracts.Verdict{}, motorerr.Newf(motorerr.KindRuleEvaluation, "unknown rule action %q", rule.Action).
		With("rule_id", rule.ID)
}

// Vetter returns the publish-time contract check: every expression must
// compile and comply with the deterministic profile.
func (e *Evaluator) Vetter() func(contracts.Contract) error {
	return func(c contracts.Contract) error {
		for _, rule := range c.Rules {
			if issues := e.profile.Check(rule.Predicate); len(issues) > 0 {
				return motorerr.Newf(motorerr.KindValidation,
					"predicate violates deterministic profile: %s", issues[0].Message).
					With("contract_id", c.ID).With("rule_id", rule.ID)
			}
			if _, err := e.program(rule.Predicate); err != nil {
				return motorerr.Wrap(motorerr.KindValidation, "predicate does not compile", err).
					With("contract_id", c.ID).With("rule_id", rule.ID)
			}
			if rule.Action == contracts.ActionTransform {
				if issues := e.profile.Check(rule.Transform); len(issues) > 0 {
					return motorerr.Newf(motorerr.KindValidation,
						"transform violates deterministic profile: %s", issues[0].Message).
						With("contract_id", c.ID).With("rule_id", rule.ID)
				}
				if _, err := e.program(rule.Transform); err != nil {
					return motorerr.Wrap(motorerr.KindValidation, "transform does not compile", err).
						With("contract_id", c.ID).With("rule_id", rule.ID)
				}
			}
		}
		return nil
	}
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, err
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func (e *Evaluator) evalBool(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, err
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, motorerr.Newf(motorerr.KindRuleEvaluation, "predicate result is %T, want bool", out.Value())
	}
	return val, nil
}

func (e *Evaluator) evalMap(expr string, input map[string]any) (map[string]any, error) {
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return nil, err
	}
	native, err := out.ConvertToNative(reflect.TypeOf(map[string]any{}))
	if err != nil {
		return nil, motorerr.Wrap(motorerr.KindRuleEvaluation, "transform result is not a map", err)
	}
	return native.(map[string]any), nil
}

// spanInput projects a draft into the CEL evaluation shape. The timestamp is
// exposed as unix seconds so predicates never need wall-clock functions.
func spanInput(d span.Draft) map[string]any {
	return map[string]any{
		"id":             d.ID,
		"actor_id":       d.ActorID,
		"kind":           d.Kind,
		"payload":        d.Payload.Map(),
		"parent_span_id": d.ParentSpanID,
		"timestamp":      d.Timestamp.Unix(),
	}
}
