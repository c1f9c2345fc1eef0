package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/danvoulez/logline-motor/pkg/contracts"
	"github.com/danvoulez/logline-motor/pkg/motorerr"
)

// SQL is a Registry backed by database/sql. It works against both SQLite
// and Postgres through standard drivers; contracts are stored as JSON
// documents keyed by (id, version).
type SQL struct {
	db     *sql.DB
	vetter Vetter
	logger *slog.Logger
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB, vetter Vetter) *SQL {
	return &SQL{db: db, vetter: vetter, logger: slog.Default().With("component", "registry.sql")}
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS contract_versions (
	id TEXT NOT NULL,
	version TEXT NOT NULL,
	scope TEXT NOT NULL,
	document_json TEXT NOT NULL,
	published_at TIMESTAMP NOT NULL,
	PRIMARY KEY (id, version)
);
CREATE INDEX IF NOT EXISTS idx_contract_versions_scope ON contract_versions (scope);
`

// Init creates the schema. Idempotent.
func (s *SQL) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, registrySchema); err != nil {
		return motorerr.Wrap(motorerr.KindStorageUnavailable, "registry schema migration failed", err)
	}
	return nil
}

// Publish implements Registry.
func (s *SQL) Publish(ctx context.Context, c contracts.Contract) (contracts.Contract, error) {
	if err := c.Validate(); err != nil {
		return contracts.Contract{}, err
	}
	ver, err := semver.NewVersion(c.Version)
	if err != nil {
		return contracts.Contract{}, motorerr.Wrap(motorerr.KindValidation, "contract version is not semver", err).
			With("contract_id", c.ID).With("version", c.Version)
	}
	if s.vetter != nil {
		if err := s.vetter(c); err != nil {
			return contracts.Contract{}, err
		}
	}

	doc, err := json.Marshal(c)
	if err != nil {
		return contracts.Contract{}, motorerr.Wrap(motorerr.KindValidation, "contract is not serializable", err).
			With("contract_id", c.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.Contract{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "registry begin failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM contract_versions WHERE id = $1 AND version = $2`,
		c.ID, ver.String()).Scan(&exists)
	if err != nil {
		return contracts.Contract{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "registry lookup failed", err)
	}
	if exists > 0 {
		return contracts.Contract{}, motorerr.New(motorerr.KindVersionConflict, "contract version already published").
			With("contract_id", c.ID).With("version", c.Version)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO contract_versions (id, version, scope, document_json, published_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, ver.String(), c.Scope, string(doc), time.Now().UTC())
	if err != nil {
		return contracts.Contract{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "registry insert failed", err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.Contract{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "registry commit failed", err)
	}

	s.logger.InfoContext(ctx, "contract published",
		"contract_id", c.ID, "version", ver.String(), "scope", c.Scope)
	return c, nil
}

// Resolve implements Registry.
func (s *SQL) Resolve(ctx context.Context, scope, at string) (contracts.Snapshot, error) {
	match, err := versionMatcher(scope, at)
	if err != nil {
		return contracts.Snapshot{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT version, document_json FROM contract_versions WHERE scope = $1`, scope)
	if err != nil {
		return contracts.Snapshot{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "registry query failed", err)
	}
	defer func() { _ = rows.Close() }()

	var best *semver.Version
	var bestDoc string
	for rows.Next() {
		var verStr, doc string
		if err := rows.Scan(&verStr, &doc); err != nil {
			return contracts.Snapshot{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "registry scan failed", err)
		}
		v, err := semver.NewVersion(verStr)
		if err != nil || !match(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestDoc = doc
		}
	}
	if err := rows.Err(); err != nil {
		return contracts.Snapshot{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "registry iteration failed", err)
	}
	if best == nil {
		return contracts.Snapshot{}, motorerr.New(motorerr.KindNotFound, "no published version satisfies at_version").
			With("scope", scope).With("at", at)
	}

	var c contracts.Contract
	if err := json.Unmarshal([]byte(bestDoc), &c); err != nil {
		return contracts.Snapshot{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "corrupt contract document", err).
			With("scope", scope)
	}
	return snapshotOf(c), nil
}
