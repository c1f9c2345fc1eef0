package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danvoulez/logline-motor/pkg/contracts"
	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/span"
	"github.com/danvoulez/logline-motor/pkg/timeline"
)

type recordingEmitter struct {
	mu    sync.Mutex
	fired []string
}

func (r *recordingEmitter) Emit(_ context.Context, triggerID string, _ span.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, triggerID)
}

func TestRejectedSpanNeverReachesStore(t *testing.T) {
	e := newEvaluator(t)
	store := timeline.NewMemoryStore()
	admitter := NewAdmitter(e, store, nil, nil)

	snap := snapshot(contracts.PolicyAccept,
		contracts.Rule{ID: "block", Predicate: `span.payload.text.contains("forbidden")`, Action: contracts.ActionReject, Reason: "blocked"},
	)

	v, sp, err := admitter.Admit(context.Background(), textDraft("forbidden content"), snap, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictReject, v.Type)
	assert.Nil(t, sp)
	assert.Equal(t, uint64(0), store.Head())

	// A non-matching draft is appended.
	v, sp, err = admitter.Admit(context.Background(), textDraft("fine"), snap, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAccept, v.Type)
	require.NotNil(t, sp)
	assert.Equal(t, uint64(1), sp.TimelinePosition)
}

func TestTransformRewritesBeforeAppend(t *testing.T) {
	e := newEvaluator(t)
	store := timeline.NewMemoryStore()
	admitter := NewAdmitter(e, store, nil, nil)

	snap := snapshot(contracts.PolicyAccept,
		contracts.Rule{
			ID:        "redact",
			Predicate: `span.payload.text.contains("secret") && !("redacted" in span.payload)`,
			Action:    contracts.ActionTransform,
			Transform: `{"text": "[redacted]", "redacted": true}`,
		},
	)

	_, sp, err := admitter.Admit(context.Background(), textDraft("a secret thing"), snap, nil)
	require.NoError(t, err)
	require.NotNil(t, sp)
	text, _ := sp.Payload.Get("text")
	assert.Equal(t, "[redacted]", text)
}

func TestTransformLoopHitsDepthCap(t *testing.T) {
	e := newEvaluator(t)
	store := timeline.NewMemoryStore()
	admitter := NewAdmitter(e, store, nil, nil)

	// Always transforms, never converges.
	snap := snapshot(contracts.PolicyAccept,
		contracts.Rule{ID: "loop", Predicate: `true`, Action: contracts.ActionTransform, Transform: `{"text": "again"}`},
	)

	_, _, err := admitter.Admit(context.Background(), textDraft("x"), snap, nil)
	require.Error(t, err)
	assert.Equal(t, motorerr.KindRuleEvaluation, motorerr.KindOf(err))
	assert.Equal(t, uint64(0), store.Head())
}

func TestEmitTriggerAppendsAndEmits(t *testing.T) {
	e := newEvaluator(t)
	store := timeline.NewMemoryStore()
	emitter := &recordingEmitter{}
	admitter := NewAdmitter(e, store, nil, emitter)

	snap := snapshot(contracts.PolicyAccept,
		contracts.Rule{ID: "notify", Predicate: `true`, Action: contracts.ActionEmitTrigger, TriggerID: "notify-owner"},
	)

	v, sp, err := admitter.Admit(context.Background(), textDraft("x"), snap, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictEmitTrigger, v.Type)
	require.NotNil(t, sp)
	assert.Equal(t, []string{"notify-owner"}, emitter.fired)
}

func TestAdmitSignsSpans(t *testing.T) {
	e := newEvaluator(t)
	store := timeline.NewMemoryStore()
	signer, err := span.NewSigner("key-1")
	require.NoError(t, err)
	admitter := NewAdmitter(e, store, signer, nil)

	snap := snapshot(contracts.PolicyAccept)

	d := textDraft("x")
	d.Timestamp = time.Date(2025, 8, 7, 12, 0, 0, 0, time.UTC)
	_, sp, err := admitter.Admit(context.Background(), d, snap, nil)
	require.NoError(t, err)
	require.NotNil(t, sp)
	require.NotEmpty(t, sp.Signature)

	ok, err := span.Verify(signer.PublicKey(), *sp)
	require.NoError(t, err)
	assert.True(t, ok)
}
