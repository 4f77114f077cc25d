package engine

import (
	"context"
	"iter"
	"sync"
)

// ProgressBus fans step transitions out to subscribers. The scheduler is the
// only writer. Every subscriber has its own unbounded queue, so a slow
// reader never loses events and never stalls the writer. Subscribers only
// see events published after they subscribed.
type ProgressBus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewProgressBus creates an empty bus.
func NewProgressBus() *ProgressBus {
	return &ProgressBus{subs: make(map[*Subscription]struct{})}
}

// Publish appends an event to every attached subscriber's queue.
// Publishing on a closed bus is a no-op.
func (b *ProgressBus) Publish(event ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		sub.push(event)
	}
}

// Subscribe attaches a new subscriber. On a closed bus the subscription is
// already finished.
func (b *ProgressBus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:    b,
		notify: make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.closed = true
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Events returns the sequence of events until the bus is closed or ctx is
// done. It subscribes when the loop starts, so events published before that
// are not seen; use Subscribe to attach before a run starts. Breaking out of
// the loop detaches the subscriber.
func (b *ProgressBus) Events(ctx context.Context) iter.Seq[ProgressEvent] {
	return func(yield func(ProgressEvent) bool) {
		sub := b.Subscribe()
		defer sub.Close()
		for ev := range sub.Events(ctx) {
			if !yield(ev) {
				return
			}
		}
	}
}

// Close finishes every subscription. Subscribers still receive the events
// queued before Close.
func (b *ProgressBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.finish()
	}
	b.subs = nil
}

// Subscribers returns the number of attached subscribers.
func (b *ProgressBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *ProgressBus) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Subscription is one reader's view of the bus.
type Subscription struct {
	bus *ProgressBus

	mu     sync.Mutex
	queue  []ProgressEvent
	closed bool

	// notify holds at most one pending wake-up.
	notify chan struct{}
}

func (s *Subscription) push(ev ProgressEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available. It returns false once the
// subscription is finished and drained, or when ctx is done.
func (s *Subscription) Next(ctx context.Context) (ProgressEvent, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = ProgressEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return ProgressEvent{}, false
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return ProgressEvent{}, false
		}
	}
}

// Events returns the remaining events as a lazy sequence. The sequence can
// be ranged over again to resume where the previous loop stopped.
func (s *Subscription) Events(ctx context.Context) iter.Seq[ProgressEvent] {
	return func(yield func(ProgressEvent) bool) {
		for {
			ev, ok := s.Next(ctx)
			if !ok || !yield(ev) {
				return
			}
		}
	}
}

// Close detaches the subscription from the bus. Queued events are discarded.
func (s *Subscription) Close() {
	s.bus.detach(s)
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.wake()
}
