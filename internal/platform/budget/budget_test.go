package budget

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget_TimeLeftShrinksWithClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(clock, 10*time.Second)

	assert.Equal(t, 10*time.Second, b.TimeLeft())
	assert.True(t, b.HasTimeLeft())

	clock.Advance(4 * time.Second)
	assert.Equal(t, 6*time.Second, b.TimeLeft())
	assert.Equal(t, 4*time.Second, b.Elapsed())

	clock.Advance(7 * time.Second)
	assert.Equal(t, time.Duration(0), b.TimeLeft())
	assert.False(t, b.HasTimeLeft())
}

func TestBudget_ZeroTimeoutHasNoTimeLeft(t *testing.T) {
	b := New(clockwork.NewFakeClock(), 0)
	assert.False(t, b.HasTimeLeft())
	assert.Equal(t, time.Duration(0), b.Timeout())
}

func TestBudget_NegativeTimeoutClampsToZero(t *testing.T) {
	b := New(clockwork.NewFakeClock(), -time.Second)
	assert.Equal(t, time.Duration(0), b.Timeout())
	assert.False(t, b.HasTimeLeft())
}

func TestBudget_CheckFailsWhenExhausted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(clock, time.Second)

	require.NoError(t, b.Check("createSession"))

	clock.Advance(2 * time.Second)
	err := b.Check("prepare")
	require.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "prepare=2s")
}

func TestBudget_StatusListsSteps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(clock, time.Minute)

	clock.Advance(200 * time.Millisecond)
	b.Mark("createSession")
	clock.Advance(time.Second)
	b.Mark("prepare")

	assert.Equal(t, "total=1.2s: createSession=200ms, prepare=1s", b.Status())
}

func TestBudget_ContextExpiresOnBudgetClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(clock, 5*time.Second)

	ctx, cancel := b.Context(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.Equal(t, b.Deadline(), deadline)

	select {
	case <-ctx.Done():
		t.Fatal("context expired before the budget")
	default:
	}

	clock.Advance(5 * time.Second)

	select {
	case <-ctx.Done():
		assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("context did not expire with the budget")
	}
}

func TestBudget_ContextErrDoesNotBlockWhileLive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(clock, time.Minute)

	ctx, cancel := b.Context(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- ctx.Err() }()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Err blocked on a live context")
	}

	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
