package coordination

import (
	"context"
	"sync"

	"github.com/pscheid92/configserver/internal/domain"
)

// EventQueue fans store events out to one subscriber without ever blocking the
// publisher. Events are buffered without bound and delivered in order.
type EventQueue struct {
	prefix string
	out    chan domain.Event
	notify chan struct{}

	mu     sync.Mutex
	queued []domain.Event
}

func NewEventQueue(prefix string) *EventQueue {
	return &EventQueue{
		prefix: prefix,
		out:    make(chan domain.Event),
		notify: make(chan struct{}, 1),
	}
}

func (q *EventQueue) Events() <-chan domain.Event {
	return q.out
}

// Publish enqueues ev when it lies below the subscriber's prefix.
func (q *EventQueue) Publish(ev domain.Event) {
	if !Under(ev.Path, q.prefix) {
		return
	}
	q.mu.Lock()
	q.queued = append(q.queued, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run delivers queued events until ctx is done, then closes the channel.
func (q *EventQueue) Run(ctx context.Context) {
	defer close(q.out)
	for {
		select {
		case <-q.notify:
		case <-ctx.Done():
			return
		}

		for {
			q.mu.Lock()
			if len(q.queued) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.queued[0]
			q.queued = q.queued[1:]
			q.mu.Unlock()

			select {
			case q.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
