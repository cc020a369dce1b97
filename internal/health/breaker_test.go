package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-resilience-router/internal/clock"
	"github.com/tributary-ai/llm-resilience-router/internal/store"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

var epoch = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestBreaker(t *testing.T) (*CircuitBreaker, *clock.Manual, store.Store) {
	t.Helper()
	c := clock.NewManual(epoch)
	s := store.NewMemoryStore()
	return NewCircuitBreaker(types.ProviderGroq, DefaultBreakerConfig(), s, c, quietLogger()), c, s
}

func failN(t *testing.T, b *CircuitBreaker, c *clock.Manual, n int, step time.Duration) BreakerState {
	t.Helper()
	var st BreakerState
	var err error
	for i := 0; i < n; i++ {
		st, err = b.RecordFailure(context.Background())
		require.NoError(t, err)
		c.Advance(step)
	}
	return st
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	ctx := context.Background()
	b, c, _ := newTestBreaker(t)

	st := failN(t, b, c, 4, time.Second)
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 4, st.FailureCount)

	allowed, err := b.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)

	st = failN(t, b, c, 1, 0)
	assert.Equal(t, StateOpen, st.State)
	assert.Equal(t, c.Now(), st.OpenedAt)

	allowed, err = b.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestCircuitBreaker_FailuresOutsideWindowDoNotCount(t *testing.T) {
	b, c, _ := newTestBreaker(t)

	st := failN(t, b, c, 10, 20*time.Second)

	assert.Equal(t, StateClosed, st.State)
	assert.LessOrEqual(t, st.FailureCount, 3)
}

func TestCircuitBreaker_SuccessDoesNotResetWindow(t *testing.T) {
	ctx := context.Background()
	b, c, _ := newTestBreaker(t)

	failN(t, b, c, 3, time.Second)
	_, err := b.RecordSuccess(ctx)
	require.NoError(t, err)
	st := failN(t, b, c, 2, time.Second)

	assert.Equal(t, StateOpen, st.State)
}

func TestCircuitBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	ctx := context.Background()
	b, c, _ := newTestBreaker(t)
	failN(t, b, c, 5, 0)

	c.Advance(29 * time.Second)
	st, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, st.State)

	c.Advance(time.Second)
	st, err = b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, st.State)
	assert.False(t, st.TrialInFlight, "snapshot must not claim the trial")

	allowed, err := b.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = b.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, allowed, "only one trial in half-open")

	st, err = b.RecordSuccess(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 0, st.FailureCount)
}

func TestCircuitBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	ctx := context.Background()
	b, c, _ := newTestBreaker(t)
	failN(t, b, c, 5, 0)
	c.Advance(30 * time.Second)

	allowed, err := b.Allow(ctx)
	require.NoError(t, err)
	require.True(t, allowed)

	st, err := b.RecordFailure(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, st.State)
	assert.Equal(t, c.Now(), st.OpenedAt)

	c.Advance(29 * time.Second)
	allowed, err = b.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, allowed, "a failed trial starts a fresh open period")
}

func TestCircuitBreaker_ConcurrentHalfOpenAdmitsOne(t *testing.T) {
	ctx := context.Background()
	b, c, _ := newTestBreaker(t)
	failN(t, b, c, 5, 0)
	c.Advance(31 * time.Second)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := b.Allow(ctx); err == nil && ok {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted)
}

func TestCircuitBreaker_ReleaseTrial(t *testing.T) {
	ctx := context.Background()
	b, c, _ := newTestBreaker(t)
	failN(t, b, c, 5, 0)
	c.Advance(30 * time.Second)

	allowed, _ := b.Allow(ctx)
	require.True(t, allowed)
	require.NoError(t, b.ReleaseTrial(ctx))

	allowed, err := b.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCircuitBreaker_AbandonedTrialExpires(t *testing.T) {
	ctx := context.Background()
	b, c, _ := newTestBreaker(t)
	failN(t, b, c, 5, 0)
	c.Advance(30 * time.Second)

	allowed, _ := b.Allow(ctx)
	require.True(t, allowed)

	c.Advance(30 * time.Second)
	allowed, err := b.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCircuitBreaker_ForceOpenAndReset(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBreaker(t)

	st, err := b.ForceOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, st.State)

	allowed, _ := b.Allow(ctx)
	assert.False(t, allowed)

	st, err = b.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, st.State)

	allowed, _ = b.Allow(ctx)
	assert.True(t, allowed)
}

func TestCircuitBreaker_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(epoch)
	s := store.NewMemoryStore()
	first := NewCircuitBreaker(types.ProviderGemini, DefaultBreakerConfig(), s, c, quietLogger())
	second := NewCircuitBreaker(types.ProviderGemini, DefaultBreakerConfig(), s, c, quietLogger())

	for i := 0; i < 3; i++ {
		_, err := first.RecordFailure(ctx)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := second.RecordFailure(ctx)
		require.NoError(t, err)
	}

	st, err := first.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, st.State)
}

func TestCircuitBreaker_CustomThreshold(t *testing.T) {
	c := clock.NewManual(epoch)
	cfg := BreakerConfig{FailureThreshold: 2, FailureWindow: 10 * time.Second, OpenDuration: 5 * time.Second}
	b := NewCircuitBreaker(types.ProviderCerebras, cfg, store.NewMemoryStore(), c, quietLogger())

	st := failN(t, b, c, 2, time.Second)
	assert.Equal(t, StateOpen, st.State)

	c.Advance(5 * time.Second)
	st, err := b.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, st.State)
}
