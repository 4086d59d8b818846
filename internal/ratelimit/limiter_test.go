package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// virtualClock never advances on Sleep; it records each requested wait so
// grant times can be reconstructed as start+wait.
type virtualClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *virtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newVirtualClock() *virtualClock {
	return &virtualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Rate: 0, Burst: 10})
	assert.Error(t, err)

	_, err = New(Config{Rate: 20, Burst: 10})
	assert.Error(t, err)

	l, err := New(Config{Rate: 20, Burst: 40})
	require.NoError(t, err)
	assert.Equal(t, 40, l.Config().Burst)
}

func TestTryAcquire_BurstThenRefill(t *testing.T) {
	clk := newVirtualClock()
	l, err := New(Config{Rate: 20, Burst: 40}, WithClock(clk))
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		require.True(t, l.TryAcquire(), "token %d", i)
	}
	assert.False(t, l.TryAcquire())

	// 50ms at 20/s refills exactly one token.
	clk.Advance(50 * time.Millisecond)
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())

	// Refill is capped at burst.
	clk.Advance(time.Hour)
	assert.InDelta(t, 40, l.Tokens(), 0.001)
}

func TestAcquire_ExactWait(t *testing.T) {
	clk := newVirtualClock()
	l, err := New(Config{Rate: 10, Burst: 10}, WithClock(clk))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	require.NoError(t, l.Acquire(context.Background()))

	require.Len(t, clk.waits, 1)
	assert.InDelta(t, float64(100*time.Millisecond), float64(clk.waits[0]), float64(time.Microsecond))
}

func TestAcquire_CancelledContext(t *testing.T) {
	clk := newVirtualClock()
	l, err := New(Config{Rate: 1, Burst: 1}, WithClock(clk))
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.Acquire(ctx))
}

func TestAcquire_RateCompliance(t *testing.T) {
	const (
		rps   = 20
		burst = 40
		calls = 1000
	)
	clk := newVirtualClock()
	l, err := New(Config{Rate: rps, Burst: burst}, WithClock(clk))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(context.Background()))
		}()
	}
	wg.Wait()

	// Callers granted immediately never sleep, so only the rest are recorded.
	require.Len(t, clk.waits, calls-burst)

	grants := make([]time.Duration, 0, calls)
	for i := 0; i < burst; i++ {
		grants = append(grants, 0)
	}
	grants = append(grants, clk.waits...)
	sort.Slice(grants, func(i, j int) bool { return grants[i] < grants[j] })

	minTotal := time.Duration(float64(calls-burst) / rps * float64(time.Second))
	assert.GreaterOrEqual(t, grants[len(grants)-1], minTotal-time.Millisecond)

	// No one-second window admits more than the bucket plus one second of refill.
	maxPerWindow := burst + rps
	for i := range grants {
		end := grants[i] + time.Second
		n := sort.Search(len(grants), func(j int) bool { return grants[j] >= end }) - i
		assert.LessOrEqual(t, n, maxPerWindow, "window starting at %v", grants[i])
	}
}

type countingObserver struct {
	mu       sync.Mutex
	waits    int
	rejected int
}

func (o *countingObserver) ObserveWait(time.Duration) {
	o.mu.Lock()
	o.waits++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveRejected() {
	o.mu.Lock()
	o.rejected++
	o.mu.Unlock()
}

func TestLimiter_Observer(t *testing.T) {
	clk := newVirtualClock()
	obs := &countingObserver{}
	l, err := New(Config{Rate: 1, Burst: 1}, WithClock(clk), WithObserver(obs))
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background()))
	assert.False(t, l.TryAcquire())
	assert.Equal(t, 1, obs.waits)
	assert.Equal(t, 1, obs.rejected)
}
