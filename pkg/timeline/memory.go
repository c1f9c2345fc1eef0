package timeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/span"
)

// MemoryStore is the transient in-process ledger. Appends are serialized by
// a single writer lock; reads and subscriptions are fully concurrent.
type MemoryStore struct {
	mu     sync.RWMutex
	spans  []span.Span
	byID   map[string]int
	head   uint64
	feed   *feed
	logger *slog.Logger
}

// NewMemoryStore creates an empty ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]int),
		feed:   newFeed(),
		logger: slog.Default().With("component", "timeline.memory"),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, d span.Draft) (span.Span, error) {
	if err := d.Validate(); err != nil {
		return span.Span{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byID[d.ID]; dup {
		return span.Span{}, motorerr.New(motorerr.KindConflict, "span id already on timeline").
			With("span_id", d.ID)
	}
	if d.ParentSpanID != "" {
		idx, ok := m.byID[d.ParentSpanID]
		if !ok {
			return span.Span{}, motorerr.New(motorerr.KindValidation, "parent span does not exist").
				With("span_id", d.ID).With("parent_id", d.ParentSpanID)
		}
		if d.Timestamp.Before(m.spans[idx].Timestamp) {
			return span.Span{}, motorerr.New(motorerr.KindOutOfOrder, "timestamp precedes parent").
				With("span_id", d.ID).With("parent_id", d.ParentSpanID)
		}
	}

	m.head++
	s := span.Span{
		ID:               d.ID,
		TimelinePosition: m.head,
		ActorID:          d.ActorID,
		Kind:             d.Kind,
		Payload:          d.Payload.Clone(),
		ParentSpanID:     d.ParentSpanID,
		Timestamp:        d.Timestamp.UTC(),
		Signature:        d.Signature,
	}
	m.byID[s.ID] = len(m.spans)
	m.spans = append(m.spans, s)
	m.feed.publish(s)

	m.logger.DebugContext(ctx, "span appended",
		"span_id", s.ID, "position", s.TimelinePosition, "kind", s.Kind)
	return s, nil
}

// Read implements Store.
func (m *MemoryStore) Read(ctx context.Context, r Range) (Cursor, error) {
	m.mu.RLock()
	head := m.head
	m.mu.RUnlock()

	to := r.To
	if to == 0 || to > head+1 {
		to = head + 1
	}
	return &memoryCursor{store: m, next: max(r.From, 1), to: to}, nil
}

// Subscribe implements Store.
func (m *MemoryStore) Subscribe(ctx context.Context) (Subscription, error) {
	return m.feed.subscribe(), nil
}

// Head returns the current highest timeline position.
func (m *MemoryStore) Head() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head
}

// Get returns a span by id.
func (m *MemoryStore) Get(id string) (span.Span, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[id]
	if !ok {
		return span.Span{}, false
	}
	return m.spans[idx], true
}

type memoryCursor struct {
	store *MemoryStore
	next  uint64
	to    uint64
	last  uint64
}

func (c *memoryCursor) Next(ctx context.Context) (span.Span, bool, error) {
	if err := ctx.Err(); err != nil {
		return span.Span{}, false, err
	}
	if c.next >= c.to {
		return span.Span{}, false, nil
	}
	c.store.mu.RLock()
	// Positions are 1-based and dense in the memory ledger.
	s := c.store.spans[c.next-1]
	c.store.mu.RUnlock()
	c.last = c.next
	c.next++
	return s, true, nil
}

func (c *memoryCursor) Position() uint64 { return c.last }
func (c *memoryCursor) Close() error     { return nil }
