// Package budget bounds the total wall-clock time of a multi-step operation.
//
// A Budget is created once per public operation and handed down to every
// blocking call it makes, so lock waits, store round-trips and provisioning
// all draw from the same allowance.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrExhausted = errors.New("timeout budget exhausted")

type step struct {
	name string
	at   time.Time
}

type Budget struct {
	clock    clockwork.Clock
	start    time.Time
	deadline time.Time
	timeout  time.Duration

	mu    sync.Mutex
	steps []step
}

func New(clock clockwork.Clock, timeout time.Duration) *Budget {
	now := clock.Now()
	if timeout < 0 {
		timeout = 0
	}
	return &Budget{
		clock:    clock,
		start:    now,
		deadline: now.Add(timeout),
		timeout:  timeout,
	}
}

// Timeout is the allowance the budget was created with.
func (b *Budget) Timeout() time.Duration {
	return b.timeout
}

func (b *Budget) Deadline() time.Time {
	return b.deadline
}

func (b *Budget) TimeLeft() time.Duration {
	left := b.deadline.Sub(b.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

func (b *Budget) HasTimeLeft() bool {
	return b.TimeLeft() > 0
}

func (b *Budget) Elapsed() time.Duration {
	return b.clock.Since(b.start)
}

// Mark records that a named step finished. The recorded steps show up in
// Status and in exhaustion errors.
func (b *Budget) Mark(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = append(b.steps, step{name: name, at: b.clock.Now()})
}

// Check marks the step and fails with ErrExhausted when no time is left.
func (b *Budget) Check(name string) error {
	b.Mark(name)
	if b.HasTimeLeft() {
		return nil
	}
	return fmt.Errorf("%w after %s (%s)", ErrExhausted, b.timeout, b.Status())
}

// Context derives a context whose deadline is the budget's deadline on the
// budget's clock. Err never blocks, also on a fake clock.
func (b *Budget) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := clockwork.WithDeadline(parent, b.clock, b.deadline)
	return clockContext{ctx}, cancel
}

// clockContext reports Err without waiting. clockwork's fake-clock context
// blocks in Err until it is done.
type clockContext struct {
	context.Context
}

func (c clockContext) Err() error {
	select {
	case <-c.Done():
		return c.Context.Err()
	default:
		return nil
	}
}

// Status renders how long each marked step took, e.g.
// "total=1.2s: createSession=200ms, prepare=1s".
func (b *Budget) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "total=%s", b.clock.Since(b.start))
	prev := b.start
	for i, s := range b.steps {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%s", s.name, s.at.Sub(prev))
		prev = s.at
	}
	return sb.String()
}
