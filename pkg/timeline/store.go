// Package timeline implements the append-only ordered span ledger: the
// system of record. Positions are strictly increasing across the whole
// store, appends are atomic all-or-nothing, and the live feed delivers
// spans in append order with monotonic sequence numbers.
package timeline

import (
	"context"

	"github.com/danvoulez/logline-motor/pkg/span"
)

// Range selects spans by timeline position: [From, To). A zero To means
// "to the current head".
type Range struct {
	From uint64
	To   uint64
}

// Delivery is one span on the live feed. Seq is the span's timeline
// position: monotonic, gap-free once delivery for a position begins.
// The feed is at-least-once; consumers dedupe by Seq.
type Delivery struct {
	Seq  uint64
	Span span.Span
}

// Cursor walks a Read range lazily in position order. A cursor is
// restartable: Position() can seed a new Read after interruption.
type Cursor interface {
	// Next returns the next span, or ok=false when the range is exhausted.
	Next(ctx context.Context) (s span.Span, ok bool, err error)
	// Position returns the position of the last span returned by Next.
	Position() uint64
	Close() error
}

// Subscription is a live append feed.
type Subscription interface {
	// C delivers spans in append order.
	C() <-chan Delivery
	Close()
}

// Store is the span ledger.
type Store interface {
	// Append validates the draft (parent existence, timestamp ordering,
	// duplicate id) and assigns the next timeline position atomically.
	// On failure no state changes.
	Append(ctx context.Context, d span.Draft) (span.Span, error)
	// Read returns a lazy, ordered, restartable cursor over the range.
	Read(ctx context.Context, r Range) (Cursor, error)
	// Subscribe attaches a live feed starting after the current head.
	Subscribe(ctx context.Context) (Subscription, error)
}
