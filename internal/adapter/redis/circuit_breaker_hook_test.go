package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/configserver/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replyError string

func (e replyError) Error() string { return string(e) }
func (replyError) RedisError()     {}

func process(hook *CircuitBreakerHook, err error) error {
	ctx := context.Background()
	next := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return err })
	return next(ctx, goredis.NewStringCmd(ctx, "get", "key"))
}

func TestCircuitBreakerHook_NormalOperation(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)

	for range 10 {
		require.NoError(t, process(hook, nil))
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_TransientFailures(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)

	for range 2 {
		assert.Error(t, process(hook, errors.New("connection refused")))
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_OpensAfterConsecutiveFailures(t *testing.T) {
	m := metrics.NewStoreMetrics(prometheus.NewRegistry())
	hook := NewCircuitBreakerHook(m)

	for range 5 {
		assert.Error(t, process(hook, errors.New("i/o timeout")))
	}

	assert.Equal(t, circuitbreaker.OpenState, hook.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerChanges.WithLabelValues(circuitbreaker.OpenState.String())))
}

func TestCircuitBreakerHook_FailsFastWhenOpen(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	for range 5 {
		_ = process(hook, errors.New("i/o timeout"))
	}

	called := false
	ctx := context.Background()
	next := hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		called = true
		return nil
	})
	err := next(ctx, goredis.NewStringCmd(ctx, "get", "key"))

	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, called, "command must not reach redis while the breaker is open")
}

func TestCircuitBreakerHook_ClosesAfterSuccessfulProbe(t *testing.T) {
	hook := newCircuitBreakerHook(nil, 10*time.Millisecond)
	for range 5 {
		_ = process(hook, errors.New("i/o timeout"))
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, process(hook, nil))
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_ServerRepliesAreNotFailures(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)

	for range 10 {
		_ = process(hook, replyError("CHECKFAILED /locks/app"))
		_ = process(hook, goredis.Nil)
		_ = process(hook, context.Canceled)
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestMetricsHook_CountsByStatus(t *testing.T) {
	m := metrics.NewStoreMetrics(prometheus.NewRegistry())
	hook := NewMetricsHook(m)

	ctx := context.Background()
	ok := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return nil })
	miss := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return goredis.Nil })
	fail := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return errors.New("boom") })

	_ = ok(ctx, goredis.NewStringCmd(ctx, "get", "k"))
	_ = miss(ctx, goredis.NewStringCmd(ctx, "get", "k"))
	_ = fail(ctx, goredis.NewStringCmd(ctx, "get", "k"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OpsTotal.WithLabelValues("get", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpsTotal.WithLabelValues("get", "error")))
}

func TestMetricsHook_NilMetrics(t *testing.T) {
	hook := NewMetricsHook(nil)
	ctx := context.Background()
	next := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return nil })
	assert.NoError(t, next(ctx, goredis.NewStringCmd(ctx, "get", "k")))
}

func TestParseEvent(t *testing.T) {
	ev, err := parseEvent("deleted /tenants/t1/sessions/2")
	require.NoError(t, err)
	assert.Equal(t, "deleted", string(ev.Type))
	assert.Equal(t, "/tenants/t1/sessions/2", ev.Path)

	_, err = parseEvent("renamed /a")
	assert.Error(t, err)
	_, err = parseEvent("garbage")
	assert.Error(t, err)
}
