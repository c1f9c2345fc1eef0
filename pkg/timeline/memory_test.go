package timeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/span"
)

func draftAt(id string, ts time.Time) span.Draft {
	p := span.NewPayload()
	p.Set("text", "payload for "+id)
	return span.Draft{
		ID:        id,
		ActorID:   "actor-1",
		Kind:      "idea.registered",
		Payload:   p,
		Timestamp: ts,
	}
}

func TestAppendAssignsIncreasingPositions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 8, 7, 12, 0, 0, 0, time.UTC)

	var last uint64
	for i := 0; i < 10; i++ {
		s, err := store.Append(ctx, draftAt(fmt.Sprintf("s-%d", i), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		assert.Greater(t, s.TimelinePosition, last)
		last = s.TimelinePosition
	}
}

func TestAppendMissingParentIsValidation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	d := draftAt("child", time.Now().UTC())
	d.ParentSpanID = "ghost"
	_, err := store.Append(ctx, d)
	require.Error(t, err)
	assert.Equal(t, motorerr.KindValidation, motorerr.KindOf(err))

	// No state change on failure.
	assert.Equal(t, uint64(0), store.Head())
}

func TestAppendTimestampBeforeParentIsOutOfOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 8, 7, 12, 0, 0, 0, time.UTC)

	parent, err := store.Append(ctx, draftAt("parent", base))
	require.NoError(t, err)

	d := draftAt("child", base.Add(-time.Minute))
	d.ParentSpanID = parent.ID
	_, err = store.Append(ctx, d)
	require.Error(t, err)
	assert.Equal(t, motorerr.KindOutOfOrder, motorerr.KindOf(err))
	assert.Equal(t, uint64(1), store.Head())
}

func TestAppendDuplicateIDIsConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Append(ctx, draftAt("dup", time.Now().UTC()))
	require.NoError(t, err)
	_, err = store.Append(ctx, draftAt("dup", time.Now().UTC()))
	require.Error(t, err)
	assert.Equal(t, motorerr.KindConflict, motorerr.KindOf(err))
}

func TestReadReturnsAppendOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 8, 7, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, draftAt(fmt.Sprintf("s-%d", i), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	cur, err := store.Read(ctx, Range{})
	require.NoError(t, err)
	defer func() { _ = cur.Close() }()

	var positions []uint64
	for {
		s, ok, err := cur.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		positions = append(positions, s.TimelinePosition)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, positions)
}

func TestReadSubrange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 8, 7, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, draftAt(fmt.Sprintf("s-%d", i), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	cur, err := store.Read(ctx, Range{From: 2, To: 4})
	require.NoError(t, err)
	var ids []string
	for {
		s, ok, err := cur.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"s-1", "s-2"}, ids)
}

func TestSubscribeDeliversInOrderWithoutGaps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(1)
	var seqs []uint64
	go func() {
		defer wg.Done()
		for d := range sub.C() {
			seqs = append(seqs, d.Seq)
			if len(seqs) == n {
				return
			}
		}
	}()

	base := time.Date(2025, 8, 7, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_, err := store.Append(ctx, draftAt(fmt.Sprintf("s-%d", i), base.Add(time.Duration(i)*time.Millisecond)))
		require.NoError(t, err)
	}
	wg.Wait()

	require.Len(t, seqs, n)
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq, "gap or reorder at delivery %d", i)
	}
}

func TestSlowSubscriberDoesNotBlockWriter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	// Nobody reads sub.C() while we append far beyond any channel buffer.
	base := time.Date(2025, 8, 7, 12, 0, 0, 0, time.UTC)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_, err := store.Append(ctx, draftAt(fmt.Sprintf("s-%d", i), base.Add(time.Duration(i)*time.Millisecond)))
			if err != nil {
				t.Error(err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("writer blocked by slow subscriber")
	}

	// The queued deliveries are still all there, in order.
	for i := 0; i < 1000; i++ {
		d := <-sub.C()
		require.Equal(t, uint64(i+1), d.Seq)
	}
}
