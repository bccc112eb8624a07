package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock steps time manually so window math is deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(clock *fakeClock) *Registry {
	return NewRegistry(&Options{Clock: clock.Now})
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := newTestRegistry(clock)

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		reg.RecordFailure("search")
		assert.True(t, reg.CanCall("search").Allowed, "failure %d should not open", i+1)
	}

	reg.RecordFailure("search")
	d := reg.CanCall("search")
	require.False(t, d.Allowed)
	assert.Equal(t, StateOpen, reg.StateOf("search"))
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestStaleFailuresDoNotAccumulate(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := newTestRegistry(clock)

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		reg.RecordFailure("slowly-failing")
	}

	// The window elapses; the next failure starts a fresh count.
	clock.Advance(DefaultFailureWindow + time.Second)
	reg.RecordFailure("slowly-failing")

	assert.Equal(t, StateClosed, reg.StateOf("slowly-failing"))
	assert.True(t, reg.CanCall("slowly-failing").Allowed)
}

func TestOpenBreakerAdmitsSingleProbeAfterReset(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := newTestRegistry(clock)

	for i := 0; i < DefaultFailureThreshold; i++ {
		reg.RecordFailure("flaky")
	}
	require.Equal(t, StateOpen, reg.StateOf("flaky"))

	clock.Advance(DefaultResetWindow - time.Second)
	d := reg.CanCall("flaky")
	require.False(t, d.Allowed)
	assert.InDelta(t, time.Second, d.RetryAfter, float64(time.Millisecond))

	clock.Advance(2 * time.Second)
	probe := reg.CanCall("flaky")
	require.True(t, probe.Allowed, "first check after reset window admits a probe")
	assert.Equal(t, StateHalfOpen, reg.StateOf("flaky"))

	// Concurrent traffic while the probe is in flight is held back.
	assert.False(t, reg.CanCall("flaky").Allowed)
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := newTestRegistry(clock)

	for i := 0; i < DefaultFailureThreshold; i++ {
		reg.RecordFailure("recovering")
	}
	clock.Advance(DefaultResetWindow)
	require.True(t, reg.CanCall("recovering").Allowed)

	reg.RecordSuccess("recovering")
	assert.Equal(t, StateClosed, reg.StateOf("recovering"))
	assert.True(t, reg.CanCall("recovering").Allowed)

	// Closed-state behavior is back to normal: one failure does not reopen.
	reg.RecordFailure("recovering")
	assert.True(t, reg.CanCall("recovering").Allowed)
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := newTestRegistry(clock)

	for i := 0; i < DefaultFailureThreshold; i++ {
		reg.RecordFailure("still-broken")
	}
	clock.Advance(DefaultResetWindow)
	require.True(t, reg.CanCall("still-broken").Allowed)

	// Single strike: one failed probe is enough to reopen.
	reg.RecordFailure("still-broken")
	require.Equal(t, StateOpen, reg.StateOf("still-broken"))

	d := reg.CanCall("still-broken")
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := newTestRegistry(clock)

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		reg.RecordFailure("mostly-fine")
	}
	reg.RecordSuccess("mostly-fine")

	// The earlier failures were wiped; a full threshold is needed again.
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		reg.RecordFailure("mostly-fine")
	}
	assert.Equal(t, StateClosed, reg.StateOf("mostly-fine"))
	reg.RecordFailure("mostly-fine")
	assert.Equal(t, StateOpen, reg.StateOf("mostly-fine"))
}

func TestBreakersAreIndependentPerBackend(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := newTestRegistry(clock)

	for i := 0; i < DefaultFailureThreshold; i++ {
		reg.RecordFailure("bad")
	}

	assert.False(t, reg.CanCall("bad").Allowed)
	assert.True(t, reg.CanCall("good").Allowed)

	snap := reg.Snapshot()
	assert.Equal(t, StateOpen, snap["bad"])
	assert.Equal(t, StateClosed, snap["good"])
}

func TestConcurrentObservations(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if n%2 == 0 {
					reg.RecordFailure("shared")
				} else {
					reg.RecordSuccess("shared")
				}
				reg.CanCall("shared")
			}
		}(i)
	}
	wg.Wait()

	// No assertion on the final state; the test exists to run under -race.
	reg.Snapshot()
}
