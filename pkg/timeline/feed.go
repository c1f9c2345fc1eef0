package timeline

import (
	"sync"

	"github.com/danvoulez/logline-motor/pkg/span"
)

// feed fans appended spans out to subscribers. Each subscriber owns an
// unbounded pending queue drained by its own goroutine, so a slow consumer
// never blocks the writer and never observes a gap: spans are queued in
// append order at publish time.
type feed struct {
	mu   sync.Mutex
	subs map[*feedSub]struct{}
}

func newFeed() *feed {
	return &feed{subs: make(map[*feedSub]struct{})}
}

func (f *feed) publish(s span.Span) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		sub.enqueue(Delivery{Seq: s.TimelinePosition, Span: s})
	}
}

func (f *feed) subscribe() *feedSub {
	sub := &feedSub{
		feed: f,
		ch:   make(chan Delivery),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	go sub.run()
	return sub
}

func (f *feed) drop(sub *feedSub) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}

type feedSub struct {
	feed *feed

	mu      sync.Mutex
	pending []Delivery

	ch        chan Delivery
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *feedSub) enqueue(d Delivery) {
	s.mu.Lock()
	s.pending = append(s.pending, d)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *feedSub) run() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		var next *Delivery
		if len(s.pending) > 0 {
			next = &s.pending[0]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.ch <- *next:
			s.mu.Lock()
			s.pending = s.pending[1:]
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

func (s *feedSub) C() <-chan Delivery { return s.ch }

func (s *feedSub) Close() {
	s.closeOnce.Do(func() {
		s.feed.drop(s)
		close(s.done)
	})
}
