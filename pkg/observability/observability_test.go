package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), OpAppend,
		attribute.String("actor_id", "actor-1"))
	assert.NotNil(t, ctx)
	done(nil)
	done2 := func() {
		_, finish := p.TrackOperation(context.Background(), OpRound)
		finish(errors.New("round failed"))
	}
	assert.NotPanics(t, done2)

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "logline-motor", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestStartSpanWithoutInit(t *testing.T) {
	p := &Provider{}
	ctx, span := p.StartSpan(context.Background(), OpEvaluate)
	assert.NotNil(t, ctx)
	span.End()
}
