package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/simulate"
)

// SQL is a ResultStore backed by database/sql. It works against both SQLite
// and Postgres through standard drivers; metrics are stored as a JSON
// document keyed by (entity_id, round_number).
type SQL struct {
	db *sql.DB
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

const resultSchema = `
CREATE TABLE IF NOT EXISTS simulation_rounds (
	entity_id TEXT NOT NULL,
	round_number INTEGER NOT NULL,
	metrics_json TEXT NOT NULL,
	decision TEXT NOT NULL,
	reason TEXT NOT NULL,
	round_ts TEXT NOT NULL,
	PRIMARY KEY (entity_id, round_number)
);
`

// Init creates the schema. Idempotent.
func (s *SQL) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, resultSchema); err != nil {
		return motorerr.Wrap(motorerr.KindStorageUnavailable, "result schema migration failed", err)
	}
	return nil
}

// Put implements simulate.ResultStore. The write is transactional: the
// round is either fully visible or absent. An identical pre-existing round
// is accepted; a different one is a Conflict.
func (s *SQL) Put(ctx context.Context, r simulate.Round) error {
	metrics, err := json.Marshal(r.Metrics)
	if err != nil {
		return motorerr.Wrap(motorerr.KindValidation, "metrics not serializable", err).
			With("entity_id", r.EntityID)
	}
	ts := r.Timestamp.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return motorerr.Wrap(motorerr.KindStorageUnavailable, "result begin failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	var haveMetrics, haveDecision, haveReason, haveTS string
	err = tx.QueryRowContext(ctx,
		`SELECT metrics_json, decision, reason, round_ts FROM simulation_rounds
		 WHERE entity_id = $1 AND round_number = $2`,
		r.EntityID, r.RoundNumber).Scan(&haveMetrics, &haveDecision, &haveReason, &haveTS)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO simulation_rounds (entity_id, round_number, metrics_json, decision, reason, round_ts)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.EntityID, r.RoundNumber, string(metrics), string(r.Decision), r.Reason, ts)
		if err != nil {
			return motorerr.Wrap(motorerr.KindStorageUnavailable, "result insert failed", err)
		}
	case err != nil:
		return motorerr.Wrap(motorerr.KindStorageUnavailable, "result lookup failed", err)
	default:
		// encoding/json sorts map keys, so equal metrics encode equally.
		if haveMetrics != string(metrics) || haveDecision != string(r.Decision) ||
			haveReason != r.Reason || haveTS != ts {
			return motorerr.New(motorerr.KindConflict, "different round already persisted").
				With("entity_id", r.EntityID).With("round", strconv.Itoa(r.RoundNumber))
		}
		return nil
	}

	if err := tx.Commit(); err != nil {
		return motorerr.Wrap(motorerr.KindStorageUnavailable, "result commit failed", err)
	}
	return nil
}

// Get implements simulate.ResultStore.
func (s *SQL) Get(ctx context.Context, entityID string, roundNumber int) (simulate.Round, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, round_number, metrics_json, decision, reason, round_ts
		 FROM simulation_rounds WHERE entity_id = $1 AND round_number = $2`,
		entityID, roundNumber)
	r, err := scanRound(row)
	if err == sql.ErrNoRows {
		return simulate.Round{}, motorerr.New(motorerr.KindNotFound, "round not found").
			With("entity_id", entityID).With("round", strconv.Itoa(roundNumber))
	}
	if err != nil {
		return simulate.Round{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "result lookup failed", err)
	}
	return r, nil
}

// ListByEntity implements simulate.ResultStore, ordered by round number.
func (s *SQL) ListByEntity(ctx context.Context, entityID string) ([]simulate.Round, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, round_number, metrics_json, decision, reason, round_ts
		 FROM simulation_rounds WHERE entity_id = $1 ORDER BY round_number`,
		entityID)
	if err != nil {
		return nil, motorerr.Wrap(motorerr.KindStorageUnavailable, "result query failed", err)
	}
	defer func() { _ = rows.Close() }()

	var out []simulate.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, motorerr.Wrap(motorerr.KindStorageUnavailable, "result scan failed", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, motorerr.Wrap(motorerr.KindStorageUnavailable, "result iteration failed", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (simulate.Round, error) {
	var r simulate.Round
	var metrics, decision, ts string
	if err := row.Scan(&r.EntityID, &r.RoundNumber, &metrics, &decision, &r.Reason, &ts); err != nil {
		return simulate.Round{}, err
	}
	if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
		return simulate.Round{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return simulate.Round{}, err
	}
	r.Decision = simulate.Decision(decision)
	r.Timestamp = parsed
	return r, nil
}
