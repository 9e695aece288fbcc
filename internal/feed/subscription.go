package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Subscription is a typed stream of remote values. The producer closes
// Events when it stops; Unsubscribe asks it to stop.
type Subscription[T any] struct {
	ID string

	ch   chan T
	done chan struct{}
	once sync.Once
	stop func()
}

func newSubscription[T any](buf int, stop func()) *Subscription[T] {
	return &Subscription[T]{
		ID:   uuid.NewString(),
		ch:   make(chan T, buf),
		done: make(chan struct{}),
		stop: stop,
	}
}

// Events returns the delivery channel. It is closed after the subscription ends.
func (s *Subscription[T]) Events() <-chan T { return s.ch }

// Done is closed once Unsubscribe has been called.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Unsubscribe stops delivery. Safe to call any number of times from any goroutine.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
}

// send delivers v in order, giving up when the subscription or ctx ends.
func (s *Subscription[T]) send(ctx context.Context, v T) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- v:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// ChangeSubscription delivers message change events for one conversation.
type ChangeSubscription = Subscription[ChangeEvent]

// PresenceSubscription delivers whole presence documents for one user.
type PresenceSubscription = Subscription[PresenceDocument]
