package breaker

import (
	"sync"
	"sync/atomic"
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
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("vision", Settings{FailureThreshold: 3, ResetTimeout: 10 * time.Second}, WithClock(clock.Now))

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.True(t, b.CanExecute(), "breaker must stay closed below threshold")
	}
	b.RecordFailure()

	assert.Equal(t, Open, b.State())
	assert.False(t, b.CanExecute())
	assert.False(t, b.Admits())
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	clock := newFakeClock()
	b := New("vision", Settings{FailureThreshold: 2, ResetTimeout: 10 * time.Second}, WithClock(clock.Now))
	b.RecordFailure()
	b.RecordFailure()

	clock.Advance(9 * time.Second)
	assert.False(t, b.CanExecute())
	assert.Equal(t, Open, b.State())

	clock.Advance(time.Second)
	assert.True(t, b.Admits())
	assert.Equal(t, Open, b.State(), "Admits must not transition")
	assert.True(t, b.CanExecute())
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := New("vision", Settings{FailureThreshold: 2, ResetTimeout: time.Second}, WithClock(clock.Now))
	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, b.CanExecute())

	b.RecordSuccess()

	stats := b.Stats()
	assert.Equal(t, Closed, stats.State)
	assert.Equal(t, 0, stats.FailureCount)
}

func TestBreakerHalfOpenFailureReopensImmediately(t *testing.T) {
	clock := newFakeClock()
	b := New("vision", Settings{FailureThreshold: 5, ResetTimeout: time.Second}, WithClock(clock.Now))
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Second)
	require.True(t, b.CanExecute())
	b.RecordSuccess()
	require.Equal(t, Closed, b.State())

	// drive back to half-open with a fresh count
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Second)
	require.True(t, b.CanExecute())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreakerClosedSuccessDoesNotResetCount(t *testing.T) {
	b := New("vision", Settings{FailureThreshold: 3, ResetTimeout: time.Second})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	assert.Equal(t, 2, b.Stats().FailureCount)
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreakerHalfOpenAllowsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := New("vision", Settings{FailureThreshold: 1, ResetTimeout: time.Second}, WithClock(clock.Now))
	b.RecordFailure()
	clock.Advance(time.Second)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.CanExecute() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())

	b.Release()
	assert.True(t, b.CanExecute(), "released trial slot must be grantable again")
}

func TestBreakerTransitionHook(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New("graph", Settings{FailureThreshold: 1, ResetTimeout: time.Second},
		WithClock(clock.Now),
		WithTransitionHook(func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}))

	b.RecordFailure()
	clock.Advance(time.Second)
	b.CanExecute()
	b.RecordSuccess()

	assert.Equal(t, []string{
		"graph:closed->open",
		"graph:open->half_open",
		"graph:half_open->closed",
	}, transitions)
}

func TestRegistryReusesBreakers(t *testing.T) {
	reg := NewRegistry(func(target string) Settings {
		if target == "slow" {
			return Settings{FailureThreshold: 1, ResetTimeout: time.Minute}
		}
		return Settings{FailureThreshold: 10, ResetTimeout: time.Minute}
	})

	assert.Same(t, reg.Get("slow"), reg.Get("slow"))
	reg.Get("slow").RecordFailure()
	reg.Get("fast").RecordFailure()

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "fast", snap[0].Name)
	assert.Equal(t, Closed, snap[0].State)
	assert.Equal(t, "slow", snap[1].Name)
	assert.Equal(t, Open, snap[1].State)
}
