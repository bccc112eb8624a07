package sessions

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func TestAdmitAndGet(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(newFakeClock())
	s, err := reg.Admit("alice")
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	got, ok := reg.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, "alice", got.Credential)
	assert.Equal(t, 1, reg.Len())
}

func TestPerCredentialQuota(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(newFakeClock())
	for i := 0; i < DefaultMaxPerCredential; i++ {
		_, err := reg.Admit("alice")
		require.NoError(t, err)
	}

	_, err := reg.Admit("alice")
	require.ErrorIs(t, err, ErrCredentialQuota)

	// Another credential is unaffected.
	_, err = reg.Admit("bob")
	require.NoError(t, err)
}

func TestGlobalQuota(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(newFakeClock())
	for i := 0; i < DefaultMaxGlobal; i++ {
		_, err := reg.Admit(fmt.Sprintf("cred-%d", i%20))
		require.NoError(t, err)
	}

	_, err := reg.Admit("fresh-credential")
	require.ErrorIs(t, err, ErrGlobalQuota)
}

func TestReleaseFreesQuotaSlot(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(newFakeClock())
	held := make([]*Session, 0, DefaultMaxPerCredential)
	for i := 0; i < DefaultMaxPerCredential; i++ {
		s, err := reg.Admit("alice")
		require.NoError(t, err)
		held = append(held, s)
	}
	_, err := reg.Admit("alice")
	require.ErrorIs(t, err, ErrCredentialQuota)

	reg.Release(held[0].ID)

	_, err = reg.Admit("alice")
	require.NoError(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(newFakeClock())
	a, err := reg.Admit("alice")
	require.NoError(t, err)
	b, err := reg.Admit("alice")
	require.NoError(t, err)

	reg.Release(a.ID)
	reg.Release(a.ID)
	reg.Release(a.ID)

	// Double release must not free b's slot.
	assert.Equal(t, 1, reg.ActiveForCredential("alice"))
	assert.Equal(t, 1, reg.Len())

	select {
	case <-a.Done():
	default:
		t.Fatal("released session's Done channel should be closed")
	}
	select {
	case <-b.Done():
		t.Fatal("live session's Done channel should stay open")
	default:
	}
}

func TestSweepReleasesIdleSessions(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := newTestRegistry(clock)

	idle, err := reg.Admit("alice")
	require.NoError(t, err)
	active, err := reg.Admit("alice")
	require.NoError(t, err)

	clock.Advance(DefaultIdleTimeout + time.Second)
	reg.Touch(active.ID)
	reg.Sweep()

	_, ok := reg.Get(idle.ID)
	assert.False(t, ok, "idle session should be swept")
	_, ok = reg.Get(active.ID)
	assert.True(t, ok, "recently touched session should survive")
}

func TestSweepSignalsReconnectAtLifetime(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := newTestRegistry(clock)

	s, err := reg.Admit("alice")
	require.NoError(t, err)

	// Keep it busy the whole time so only the lifetime cap applies.
	for elapsed := time.Duration(0); elapsed <= DefaultMaxLifetime; elapsed += 30 * time.Second {
		clock.Advance(30 * time.Second)
		reg.Touch(s.ID)
	}
	reg.Sweep()

	select {
	case <-s.Reconnect():
	default:
		t.Fatal("expected reconnect notice before release")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("expired session should be released")
	}
	assert.Equal(t, 0, reg.Len())
}

func TestTouchUnknownSessionIsNoop(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(newFakeClock())
	reg.Touch("no-such-session")
	reg.Release("no-such-session")
	assert.Equal(t, 0, reg.Len())
}

func TestConcurrentAdmitRelease(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(newFakeClock())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			cred := fmt.Sprintf("cred-%d", worker)
			for j := 0; j < 50; j++ {
				s, err := reg.Admit(cred)
				if err != nil {
					continue
				}
				reg.Touch(s.ID)
				reg.Release(s.ID)
				reg.Release(s.ID)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Len())
}
