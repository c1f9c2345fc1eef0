package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/simulate"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleRound(entityID string, n int, decision simulate.Decision) simulate.Round {
	return simulate.Round{
		EntityID:    entityID,
		RoundNumber: n,
		Metrics:     map[string]float64{"score": 0.5, "velocity": 1.2},
		Decision:    decision,
		Timestamp:   time.Date(2025, 8, 7, 12, 0, 0, 0, time.UTC),
	}
}

func TestSQLPutGetList(t *testing.T) {
	ctx := context.Background()
	s := NewSQL(openTestDB(t))
	require.NoError(t, s.Init(ctx))

	for n := 1; n <= 3; n++ {
		d := simulate.DecisionContinue
		if n == 3 {
			d = simulate.DecisionPromote
		}
		require.NoError(t, s.Put(ctx, sampleRound("entity-1", n, d)))
	}

	got, err := s.Get(ctx, "entity-1", 2)
	require.NoError(t, err)
	assert.Equal(t, simulate.DecisionContinue, got.Decision)
	assert.Equal(t, 0.5, got.Metrics["score"])
	assert.True(t, got.Timestamp.Equal(time.Date(2025, 8, 7, 12, 0, 0, 0, time.UTC)))

	rounds, err := s.ListByEntity(ctx, "entity-1")
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	for i, r := range rounds {
		assert.Equal(t, i+1, r.RoundNumber)
	}

	_, err = s.Get(ctx, "entity-1", 9)
	assert.Equal(t, motorerr.KindNotFound, motorerr.KindOf(err))
}

func TestSQLPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewSQL(openTestDB(t))
	require.NoError(t, s.Init(ctx))

	r := sampleRound("entity-1", 1, simulate.DecisionContinue)
	require.NoError(t, s.Put(ctx, r))
	require.NoError(t, s.Put(ctx, r))

	rounds, err := s.ListByEntity(ctx, "entity-1")
	require.NoError(t, err)
	assert.Len(t, rounds, 1)

	different := r
	different.Decision = simulate.DecisionPromote
	err = s.Put(ctx, different)
	require.Error(t, err)
	assert.Equal(t, motorerr.KindConflict, motorerr.KindOf(err))
}

func TestSQLPutStorageUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)

	s := NewSQL(db)
	err = s.Put(context.Background(), sampleRound("entity-1", 1, simulate.DecisionContinue))
	require.Error(t, err)
	assert.Equal(t, motorerr.KindStorageUnavailable, motorerr.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryMatchesSQLSemantics(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	r := sampleRound("entity-1", 1, simulate.DecisionContinue)
	require.NoError(t, m.Put(ctx, r))
	require.NoError(t, m.Put(ctx, r))

	different := r
	different.Reason = "changed"
	err := m.Put(ctx, different)
	assert.Equal(t, motorerr.KindConflict, motorerr.KindOf(err))

	_, err = m.Get(ctx, "entity-1", 2)
	assert.Equal(t, motorerr.KindNotFound, motorerr.KindOf(err))

	rounds, err := m.ListByEntity(ctx, "entity-1")
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, 1, rounds[0].RoundNumber)

	// Stored rounds are isolated from caller mutation.
	rounds[0].Metrics["score"] = 99
	again, err := m.ListByEntity(ctx, "entity-1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, again[0].Metrics["score"])
}
