package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/inercia/tether/internal/protocol"
)

// ErrSubscriptionClosed is returned by Next once a subscription is detached
// and its queue drained.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is one client's bounded delivery queue. The coordinator
// pushes events without ever blocking on a slow consumer: when the queue is
// full the oldest sequenced event is dropped and the loss is recorded as a
// gap, surfaced to the consumer as a resync.gap frame ahead of newer events.
type Subscription struct {
	connID    string
	sessionID string
	capacity  int

	mu     sync.Mutex
	queue  []protocol.Event
	gapLo  int64 // lowest dropped seq, 0 when no gap pending
	gapHi  int64
	closed bool

	notify chan struct{}
}

func newSubscription(connID, sessionID string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = 256
	}
	return &Subscription{
		connID:    connID,
		sessionID: sessionID,
		capacity:  capacity,
		notify:    make(chan struct{}, 1),
	}
}

// ConnectionID identifies the subscribed client.
func (s *Subscription) ConnectionID() string {
	return s.connID
}

// push enqueues one event, dropping the oldest sequenced event on overflow.
// It is called with the session lock held and must stay O(1).
func (s *Subscription) push(ev protocol.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		if dropped.Seq > 0 {
			if s.gapLo == 0 || dropped.Seq < s.gapLo {
				s.gapLo = dropped.Seq
			}
			if dropped.Seq > s.gapHi {
				s.gapHi = dropped.Seq
			}
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or ctx is done. A pending gap is
// delivered as a resync.gap frame before any event newer than the gap.
func (s *Subscription) Next(ctx context.Context) (protocol.Event, error) {
	for {
		s.mu.Lock()
		if s.gapLo > 0 {
			ev := protocol.Event{
				Type:      protocol.EventResyncGap,
				SessionID: s.sessionID,
				Payload:   &protocol.ResyncGapPayload{From: s.gapLo, To: s.gapHi},
			}
			s.gapLo, s.gapHi = 0, 0
			s.mu.Unlock()
			return ev, nil
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return protocol.Event{}, ErrSubscriptionClosed
		}
		select {
		case <-ctx.Done():
			return protocol.Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// close marks the subscription detached. Queued events remain readable until
// drained.
func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
