package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/span"
)

// SQLiteStore is the durable span ledger. Position assignment happens inside
// a transaction guarded by a writer mutex, so positions are strictly
// increasing and an aborted append leaves no trace.
type SQLiteStore struct {
	db     *sql.DB
	wmu    sync.Mutex
	feed   *feed
	logger *slog.Logger
}

const timelineSchema = `
CREATE TABLE IF NOT EXISTS spans (
	id TEXT PRIMARY KEY,
	position INTEGER NOT NULL UNIQUE,
	actor_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	parent_span_id TEXT,
	ts TEXT NOT NULL,
	signature TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_spans_kind ON spans (kind);
`

// NewSQLiteStore wraps an open database handle and migrates the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:     db,
		feed:   newFeed(),
		logger: slog.Default().With("component", "timeline.sqlite"),
	}
	if _, err := db.ExecContext(context.Background(), timelineSchema); err != nil {
		return nil, motorerr.Wrap(motorerr.KindStorageUnavailable, "timeline schema migration failed", err)
	}
	return s, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, d span.Draft) (span.Span, error) {
	if err := d.Validate(); err != nil {
		return span.Span{}, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return span.Span{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "timeline begin failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	var dup int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM spans WHERE id = ?`, d.ID).Scan(&dup); err != nil {
		return span.Span{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "timeline lookup failed", err)
	}
	if dup > 0 {
		return span.Span{}, motorerr.New(motorerr.KindConflict, "span id already on timeline").
			With("span_id", d.ID)
	}

	if d.ParentSpanID != "" {
		var parentTS string
		err := tx.QueryRowContext(ctx, `SELECT ts FROM spans WHERE id = ?`, d.ParentSpanID).Scan(&parentTS)
		if err == sql.ErrNoRows {
			return span.Span{}, motorerr.New(motorerr.KindValidation, "parent span does not exist").
				With("span_id", d.ID).With("parent_id", d.ParentSpanID)
		}
		if err != nil {
			return span.Span{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "parent lookup failed", err)
		}
		pts, err := time.Parse(time.RFC3339Nano, parentTS)
		if err != nil {
			return span.Span{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "corrupt parent timestamp", err).
				With("parent_id", d.ParentSpanID)
		}
		if d.Timestamp.Before(pts) {
			return span.Span{}, motorerr.New(motorerr.KindOutOfOrder, "timestamp precedes parent").
				With("span_id", d.ID).With("parent_id", d.ParentSpanID)
		}
	}

	var head uint64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM spans`).Scan(&head); err != nil {
		return span.Span{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "head lookup failed", err)
	}

	sp := span.Span{
		ID:               d.ID,
		TimelinePosition: head + 1,
		ActorID:          d.ActorID,
		Kind:             d.Kind,
		Payload:          d.Payload.Clone(),
		ParentSpanID:     d.ParentSpanID,
		Timestamp:        d.Timestamp.UTC(),
		Signature:        d.Signature,
	}
	payloadJSON, err := json.Marshal(sp.Payload)
	if err != nil {
		return span.Span{}, motorerr.Wrap(motorerr.KindValidation, "payload is not serializable", err).
			With("span_id", d.ID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO spans (id, position, actor_id, kind, payload_json, parent_span_id, ts, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.TimelinePosition, sp.ActorID, sp.Kind, string(payloadJSON),
		nullable(sp.ParentSpanID), sp.Timestamp.Format(time.RFC3339Nano), sp.Signature)
	if err != nil {
		return span.Span{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "span insert failed", err)
	}
	if err := tx.Commit(); err != nil {
		return span.Span{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "span commit failed", err)
	}

	s.feed.publish(sp)
	s.logger.DebugContext(ctx, "span appended",
		"span_id", sp.ID, "position", sp.TimelinePosition, "kind", sp.Kind)
	return sp, nil
}

// Read implements Store.
func (s *SQLiteStore) Read(ctx context.Context, r Range) (Cursor, error) {
	return &sqlCursor{store: s, next: max(r.From, 1), to: r.To}, nil
}

// Subscribe implements Store.
func (s *SQLiteStore) Subscribe(ctx context.Context) (Subscription, error) {
	return s.feed.subscribe(), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const cursorBatchSize = 128

type sqlCursor struct {
	store *SQLiteStore
	next  uint64
	to    uint64
	last  uint64
	batch []span.Span
}

func (c *sqlCursor) Next(ctx context.Context) (span.Span, bool, error) {
	if err := ctx.Err(); err != nil {
		return span.Span{}, false, err
	}
	if len(c.batch) == 0 {
		if err := c.fetch(ctx); err != nil {
			return span.Span{}, false, err
		}
		if len(c.batch) == 0 {
			return span.Span{}, false, nil
		}
	}
	sp := c.batch[0]
	c.batch = c.batch[1:]
	c.last = sp.TimelinePosition
	c.next = sp.TimelinePosition + 1
	return sp, true, nil
}

func (c *sqlCursor) fetch(ctx context.Context) error {
	query := `SELECT id, position, actor_id, kind, payload_json, parent_span_id, ts, signature
		FROM spans WHERE position >= ?`
	args := []any{c.next}
	if c.to > 0 {
		query += ` AND position < ?`
		args = append(args, c.to)
	}
	query += ` ORDER BY position ASC LIMIT ?`
	args = append(args, cursorBatchSize)

	rows, err := c.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return motorerr.Wrap(motorerr.KindStorageUnavailable, "timeline read failed", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sp span.Span
		var payloadJSON, ts string
		var parent sql.NullString
		if err := rows.Scan(&sp.ID, &sp.TimelinePosition, &sp.ActorID, &sp.Kind,
			&payloadJSON, &parent, &ts, &sp.Signature); err != nil {
			return motorerr.Wrap(motorerr.KindStorageUnavailable, "timeline scan failed", err)
		}
		sp.ParentSpanID = parent.String
		sp.Payload = span.NewPayload()
		if err := json.Unmarshal([]byte(payloadJSON), sp.Payload); err != nil {
			return motorerr.Wrap(motorerr.KindStorageUnavailable, "corrupt span payload", err).
				With("span_id", sp.ID)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return motorerr.Wrap(motorerr.KindStorageUnavailable, "corrupt span timestamp", err).
				With("span_id", sp.ID)
		}
		sp.Timestamp = parsed
		c.batch = append(c.batch, sp)
	}
	return rows.Err()
}

func (c *sqlCursor) Position() uint64 { return c.last }
func (c *sqlCursor) Close() error     { return nil }
