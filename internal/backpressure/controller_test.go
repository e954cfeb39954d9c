package backpressure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/errs"
)

func TestAcquireWithinBurst(t *testing.T) {
	c := NewController(Config{Rate: 1, Burst: 3}, nil)

	for i := 0; i < 3; i++ {
		lease, err := c.Acquire(context.Background(), "i-1")
		require.NoError(t, err)
		lease.Succeed()
	}
}

func TestAcquireIsolatesInstances(t *testing.T) {
	c := NewController(Config{Rate: 1, Burst: 1, MaxWaiters: 1, MaxWait: 10 * time.Millisecond}, nil)

	_, err := c.Acquire(context.Background(), "i-1")
	require.NoError(t, err)

	// i-1's bucket is empty, i-2's is untouched.
	_, err = c.Acquire(context.Background(), "i-2")
	require.NoError(t, err)
}

func TestAcquireWaitsForToken(t *testing.T) {
	c := NewController(Config{Rate: 50, Burst: 1, MaxWait: time.Second}, nil)

	_, err := c.Acquire(context.Background(), "i-1")
	require.NoError(t, err)

	// The bucket refills at 50/s, so the second acquire waits ~20ms.
	start := time.Now()
	_, err = c.Acquire(context.Background(), "i-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

// An expired wait budget is a deadline, not a client-side rate violation:
// RateLimited stays reserved for the caller-facing window limiter.
func TestAcquireTimesOutWhenWaitExceeded(t *testing.T) {
	c := NewController(Config{Rate: 0.1, Burst: 1, MaxWait: 20 * time.Millisecond}, nil)

	_, err := c.Acquire(context.Background(), "i-1")
	require.NoError(t, err)

	_, err = c.Acquire(context.Background(), "i-1")
	require.Error(t, err)
	assert.Equal(t, errs.Timeout, errs.CodeOf(err))
}

func TestAcquireQueueFull(t *testing.T) {
	c := NewController(Config{Rate: 0.1, Burst: 1, MaxWaiters: 2, MaxWait: 500 * time.Millisecond}, nil)

	_, err := c.Acquire(context.Background(), "i-1")
	require.NoError(t, err)

	// Two waiters occupy the queue; the third is turned away at once.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Acquire(context.Background(), "i-1")
		}()
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	_, err = c.Acquire(context.Background(), "i-1")
	require.Error(t, err)
	assert.Equal(t, errs.QueueFull, errs.CodeOf(err))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "queue-full rejects immediately")
	wg.Wait()
}

func TestLeaseFailuresOpenBreaker(t *testing.T) {
	var mu sync.Mutex
	transitions := make(map[BreakerState]int)
	c := NewController(Config{FailureThreshold: 3}, func(id string, state BreakerState) {
		mu.Lock()
		transitions[state]++
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		lease, err := c.Acquire(context.Background(), "i-1")
		require.NoError(t, err)
		lease.Fail()
	}

	_, err := c.Acquire(context.Background(), "i-1")
	require.Error(t, err)
	assert.Equal(t, errs.BreakerOpen, errs.CodeOf(err))
	assert.Equal(t, BreakerOpen, c.BreakerStateFor("i-1"))

	mu.Lock()
	assert.Equal(t, 1, transitions[BreakerOpen])
	mu.Unlock()
}

func TestLeaseVerdictIsOnce(t *testing.T) {
	c := NewController(Config{FailureThreshold: 2}, nil)

	lease, err := c.Acquire(context.Background(), "i-1")
	require.NoError(t, err)
	lease.Fail()
	lease.Fail() // ignored
	lease.Succeed()

	assert.Equal(t, BreakerClosed, c.BreakerStateFor("i-1"))
}

func TestForgetResetsFlowState(t *testing.T) {
	c := NewController(Config{FailureThreshold: 1}, nil)

	lease, err := c.Acquire(context.Background(), "i-1")
	require.NoError(t, err)
	lease.Fail()
	require.Equal(t, BreakerOpen, c.BreakerStateFor("i-1"))

	c.Forget("i-1")
	assert.Equal(t, BreakerClosed, c.BreakerStateFor("i-1"))
	_, err = c.Acquire(context.Background(), "i-1")
	assert.NoError(t, err)
}

func TestBreakerStateForUnknownInstance(t *testing.T) {
	c := NewController(Config{}, nil)
	assert.Equal(t, BreakerClosed, c.BreakerStateFor("ghost"))
}
