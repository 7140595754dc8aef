package store

import (
	"context"
	"sync"

	"github.com/eematrix/cryptostore/logging"
)

const streamBufferSize = 16

// Subscription is one subscriber's view of a notification stream. Receive
// from C; when C is closed, Err reports why.
type Subscription[T any] struct {
	// C delivers the stream values. It is closed when the subscription
	// ends.
	C <-chan T

	ch     chan T
	cancel func()

	mu     sync.Mutex
	err    error
	closed bool
}

// Err reports why C was closed: ErrStreamLagged if the subscriber fell
// behind on an error-on-lag stream, nil if the subscription was closed
// deliberately.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.cancel()
}

// trySend attempts a non-blocking delivery. It reports false only when the
// buffer is full; a terminated subscription swallows the value instead of
// panicking on the closed channel.
func (s *Subscription[T]) trySend(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- value:
		return true
	default:
		return false
	}
}

// terminate closes the delivery channel exactly once, recording the reason.
func (s *Subscription[T]) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// mapSubscription derives a subscription of U values from one of T values.
// The derived subscription inherits the upstream lifecycle: closing either
// side ends both, and the upstream termination reason carries over.
func mapSubscription[T, U any](upstream *Subscription[T], project func(T) U) *Subscription[U] {
	ch := make(chan U, streamBufferSize)
	sub := &Subscription[U]{C: ch, ch: ch, cancel: upstream.Close}

	go func() {
		for value := range upstream.C {
			// Mapped streams sit on top of lossy broadcasters, so a
			// full buffer sheds the value just like the upstream would.
			sub.trySend(project(value))
		}
		sub.terminate(upstream.Err())
	}()

	return sub
}

// broadcaster fans one stream of values out to any number of subscribers.
//
// Two overflow policies exist. A lossy broadcaster drops the value for the
// slow subscriber and logs a warning; an error-on-lag broadcaster terminates
// the slow subscription with ErrStreamLagged instead, for streams where a
// missed value must not go unnoticed.
type broadcaster[T any] struct {
	logger logging.Logger
	name   string
	lossy  bool

	mu   sync.Mutex
	subs map[*Subscription[T]]struct{}
}

func newBroadcaster[T any](logger logging.Logger, name string, lossy bool) *broadcaster[T] {
	return &broadcaster[T]{
		logger: logger,
		name:   name,
		lossy:  lossy,
		subs:   make(map[*Subscription[T]]struct{}),
	}
}

func (b *broadcaster[T]) subscribe() *Subscription[T] {
	ch := make(chan T, streamBufferSize)
	sub := &Subscription[T]{C: ch, ch: ch}
	sub.cancel = func() { b.remove(sub, nil) }

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *broadcaster[T]) remove(sub *Subscription[T], err error) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	sub.terminate(err)
}

// publish delivers value to every subscriber without ever blocking the
// caller. Delivery happens inside the store's save path, so a stalled
// consumer must not stall persistence.
func (b *broadcaster[T]) publish(ctx context.Context, value T) {
	b.mu.Lock()
	subs := make([]*Subscription[T], 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.trySend(value) {
			continue
		}
		if b.lossy {
			b.logger.Warn(ctx, "dropping notification for slow subscriber", "stream", b.name)
			continue
		}
		b.remove(sub, ErrStreamLagged)
	}
}

// closeAll terminates every subscription, typically on Store.Close.
func (b *broadcaster[T]) closeAll() {
	b.mu.Lock()
	subs := make([]*Subscription[T], 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.terminate(nil)
	}
}
