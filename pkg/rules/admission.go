package rules

import (
	"context"
	"log/slog"

	"github.com/danvoulez/logline-motor/pkg/contracts"
	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/span"
	"github.com/danvoulez/logline-motor/pkg/timeline"
)

// maxTransformDepth bounds Transform re-evaluation so a pair of transform
// rules cannot ping-pong forever.
const maxTransformDepth = 4

// TriggerEmitter receives trigger emissions produced by EmitTrigger verdicts.
type TriggerEmitter interface {
	Emit(ctx context.Context, triggerID string, s span.Span)
}

// Admitter is the single gate in front of the timeline: every write goes
// through Evaluate first, so a Reject verdict means the draft never reaches
// the store.
type Admitter struct {
	eval    *Evaluator
	store   timeline.Store
	signer  *span.Signer
	emitter TriggerEmitter
	logger  *slog.Logger
}

// NewAdmitter wires the gate. signer and emitter may be nil.
func NewAdmitter(eval *Evaluator, store timeline.Store, signer *span.Signer, emitter TriggerEmitter) *Admitter {
	return &Admitter{
		eval:    eval,
		store:   store,
		signer:  signer,
		emitter: emitter,
		logger:  slog.Default().With("component", "admission"),
	}
}

// Admit evaluates the draft against the snapshot and, on Accept or
// EmitTrigger, appends it. Transform verdicts rewrite the payload and
// re-evaluate the transformed draft. The returned span is nil when the
// draft was rejected.
func (a *Admitter) Admit(ctx context.Context, d span.Draft, snap contracts.Snapshot, evalCtx EvalContext) (contracts.Verdict, *span.Span, error) {
	for depth := 0; depth <= maxTransformDepth; depth++ {
		verdict, err := a.eval.Evaluate(ctx, d, snap, evalCtx)
		if err != nil {
			return contracts.Verdict{}, nil, err
		}

		switch verdict.Type {
		case contracts.VerdictReject:
			a.logger.InfoContext(ctx, "span rejected",
				"span_id", d.ID, "rule_id", verdict.RuleID, "reason", verdict.Reason)
			return verdict, nil, nil

		case contracts.VerdictTransform:
			d = d.WithPayload(verdict.Payload)
			continue

		case contracts.VerdictAccept, contracts.VerdictEmitTrigger:
			s, err := a.append(ctx, d)
			if err != nil {
				return verdict, nil, err
			}
			if verdict.Type == contracts.VerdictEmitTrigger && a.emitter != nil {
				a.emitter.Emit(ctx, verdict.TriggerID, *s)
			}
			return verdict, s, nil
		}
	}
	return contracts.Verdict{}, nil, motorerr.Newf(motorerr.KindRuleEvaluation,
		"transform depth exceeded %d", maxTransformDepth).With("span_id", d.ID)
}

func (a *Admitter) append(ctx context.Context, d span.Draft) (*span.Span, error) {
	if a.signer != nil {
		sig, err := a.signer.Sign(span.Span{
			ID:           d.ID,
			ActorID:      d.ActorID,
			Kind:         d.Kind,
			Payload:      d.Payload,
			ParentSpanID: d.ParentSpanID,
			Timestamp:    d.Timestamp,
		})
		if err != nil {
			return nil, motorerr.Wrap(motorerr.KindValidation, "span signing failed", err).With("span_id", d.ID)
		}
		d.Signature = sig
	}
	s, err := a.store.Append(ctx, d)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
