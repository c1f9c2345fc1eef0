package archive

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/span"
	"github.com/danvoulez/logline-motor/pkg/timeline"
)

func seedStore(t *testing.T, n int) timeline.Store {
	t.Helper()
	store := timeline.NewMemoryStore()
	for i := 0; i < n; i++ {
		p := span.NewPayload()
		p.Set("n", i)
		_, err := store.Append(context.Background(), span.Draft{
			ID:        uuid.NewString(),
			ActorID:   "actor-1",
			Kind:      "metric.reported",
			Payload:   p,
			Timestamp: time.Date(2025, 8, 7, 12, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}
	return store
}

func TestBuildSegmentCoversRange(t *testing.T) {
	store := seedStore(t, 10)

	seg, data, hash, err := BuildSegment(context.Background(), store, timeline.Range{From: 3, To: 8})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seg.FromPosition)
	assert.Equal(t, uint64(7), seg.ToPosition)
	require.Len(t, seg.Spans, 5)
	for i, s := range seg.Spans {
		assert.Equal(t, uint64(3+i), s.TimelinePosition)
	}
	assert.NotEmpty(t, data)
	assert.Len(t, hash, 64)
}

func TestBuildSegmentHashIsStable(t *testing.T) {
	store := seedStore(t, 5)

	_, _, h1, err := BuildSegment(context.Background(), store, timeline.Range{From: 1, To: 6})
	require.NoError(t, err)
	_, _, h2, err := BuildSegment(context.Background(), store, timeline.Range{From: 1, To: 6})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	_, _, h3, err := BuildSegment(context.Background(), store, timeline.Range{From: 2, To: 6})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestBuildSegmentEmptyRange(t *testing.T) {
	store := seedStore(t, 2)

	_, _, _, err := BuildSegment(context.Background(), store, timeline.Range{From: 10, To: 20})
	require.Error(t, err)
	assert.Equal(t, motorerr.KindNotFound, motorerr.KindOf(err))
}
