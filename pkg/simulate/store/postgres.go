package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/danvoulez/logline-motor/pkg/motorerr"
)

// OpenPostgres connects the durable network-backed ResultStore and runs the
// schema migration. Connection-level failures surface as StorageUnavailable
// so the engine's bounded retry applies.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, motorerr.Wrap(motorerr.KindStorageUnavailable, "postgres open failed", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, motorerr.Wrap(motorerr.KindStorageUnavailable, "postgres unreachable", err)
	}

	s := NewSQL(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying handle.
func (s *SQL) Close() error {
	return s.db.Close()
}
