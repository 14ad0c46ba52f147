package capture

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHandle struct {
	closes atomic.Int32
	err    error
}

func (h *countingHandle) Close() error {
	h.closes.Add(1)
	return h.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)}
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

func TestRegistryRegisterAndToken(t *testing.T) {
	reg := NewRegistry()

	reg.Register("s1", &countingHandle{})
	_, ok := reg.Token("s1")
	assert.False(t, ok, "fresh session has no token")
	assert.True(t, reg.Has("s1"))

	require.True(t, reg.SetToken("s1", "Bearer abc123"))
	token, ok := reg.Token("s1")
	require.True(t, ok)
	assert.Equal(t, "Bearer abc123", token)
}

func TestRegistryFirstWriteWins(t *testing.T) {
	reg := NewRegistry()
	reg.Register("s1", &countingHandle{})

	require.True(t, reg.SetToken("s1", "Bearer first"))
	for i := 0; i < 10; i++ {
		assert.False(t, reg.SetToken("s1", fmt.Sprintf("Bearer later-%d", i)))
	}

	token, ok := reg.Token("s1")
	require.True(t, ok)
	assert.Equal(t, "Bearer first", token)
}

func TestRegistryConcurrentSetTokenStoresExactlyOne(t *testing.T) {
	reg := NewRegistry()
	reg.Register("s1", &countingHandle{})

	var stored atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.SetToken("s1", fmt.Sprintf("Bearer %d", i)) {
				stored.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), stored.Load())
	_, ok := reg.Token("s1")
	assert.True(t, ok)
}

func TestRegistrySetTokenIgnoresUnknownAndEmpty(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.SetToken("missing", "Bearer x"))

	reg.Register("s1", &countingHandle{})
	assert.False(t, reg.SetToken("s1", ""))
	_, ok := reg.Token("s1")
	assert.False(t, ok)
}

func TestRegistryTeardownIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	handle := &countingHandle{}
	reg.Register("s1", handle)

	assert.True(t, reg.Teardown("s1"))
	assert.False(t, reg.Teardown("s1"))
	assert.False(t, reg.Teardown("never-existed"))

	assert.Equal(t, int32(1), handle.closes.Load(), "handle must be closed exactly once")
	assert.False(t, reg.Has("s1"))
	assert.Zero(t, reg.Len())
}

func TestRegistryTeardownSwallowsCloseErrors(t *testing.T) {
	reg := NewRegistry()
	handle := &countingHandle{err: errors.New("websocket already gone")}
	reg.Register("s1", handle)

	assert.True(t, reg.Teardown("s1"))
	assert.Equal(t, int32(1), handle.closes.Load())
	assert.Zero(t, reg.Len(), "entry is removed even when close fails")
}

func TestRegistryConcurrentTeardownClosesOnce(t *testing.T) {
	reg := NewRegistry()
	handle := &countingHandle{}
	reg.Register("s1", handle)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Teardown("s1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), handle.closes.Load())
}

func TestRegistryConsumeIsSingleUse(t *testing.T) {
	reg := NewRegistry()
	handle := &countingHandle{}
	reg.Register("s1", handle)

	_, ok := reg.Consume("s1")
	assert.False(t, ok, "nothing to consume before capture")
	assert.True(t, reg.Has("s1"), "failed consume must not tear down")

	reg.SetToken("s1", "Bearer abc123")
	token, ok := reg.Consume("s1")
	require.True(t, ok)
	assert.Equal(t, "Bearer abc123", token)
	assert.Equal(t, int32(1), handle.closes.Load())
	assert.False(t, reg.Has("s1"))

	_, ok = reg.Consume("s1")
	assert.False(t, ok)
	assert.Equal(t, int32(1), handle.closes.Load())
}

func TestRegistryRegisterOverwriteClosesPreviousHandle(t *testing.T) {
	reg := NewRegistry()
	first := &countingHandle{}
	second := &countingHandle{}

	reg.Register("s1", first)
	reg.SetToken("s1", "Bearer old")
	reg.Register("s1", second)

	assert.Equal(t, int32(1), first.closes.Load())
	assert.Zero(t, second.closes.Load())
	assert.Equal(t, 1, reg.Len())
	_, ok := reg.Token("s1")
	assert.False(t, ok, "replacement starts without a token")
}

func TestRegistrySweepStale(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(WithClock(clock.Now))

	handles := map[string]*countingHandle{
		"old-1": {},
		"old-2": {},
	}
	reg.Register("old-1", handles["old-1"])
	reg.Register("old-2", handles["old-2"])

	clock.Advance(4 * time.Minute)
	young := &countingHandle{}
	reg.Register("young", young)

	clock.Advance(90 * time.Second)
	removed := reg.SweepStale(5 * time.Minute)
	sort.Strings(removed)

	assert.Equal(t, []string{"old-1", "old-2"}, removed)
	for id, h := range handles {
		assert.Equal(t, int32(1), h.closes.Load(), "handle %s must be released", id)
		assert.False(t, reg.Has(id))
	}
	assert.True(t, reg.Has("young"))
	assert.Zero(t, young.closes.Load())
	assert.Equal(t, 1, reg.Len())
}

func TestRegistrySweepStaleBoundaryIsExclusive(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(WithClock(clock.Now))
	h := &countingHandle{}
	reg.Register("s1", h)

	clock.Advance(5 * time.Minute)
	assert.Empty(t, reg.SweepStale(5*time.Minute), "age equal to the threshold is not stale")

	clock.Advance(time.Millisecond)
	assert.Equal(t, []string{"s1"}, reg.SweepStale(5*time.Minute))
	assert.Equal(t, int32(1), h.closes.Load())
}

func TestRegistryDispose(t *testing.T) {
	reg := NewRegistry()
	a, b := &countingHandle{}, &countingHandle{}
	reg.Register("a", a)
	reg.Register("b", b)

	ids := reg.Dispose()
	sort.Strings(ids)

	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, int32(1), a.closes.Load())
	assert.Equal(t, int32(1), b.closes.Load())
	assert.Zero(t, reg.Len())
	assert.Empty(t, reg.Dispose())
}

type handleFunc func() error

func (f handleFunc) Close() error { return f() }

func TestRegistryActiveExcludesClosingEntries(t *testing.T) {
	reg := NewRegistry()
	entered := make(chan struct{})
	unblock := make(chan struct{})

	reg.Register("s1", handleFunc(func() error {
		close(entered)
		<-unblock
		return nil
	}))
	reg.Register("s2", &countingHandle{})

	done := make(chan struct{})
	go func() {
		reg.Teardown("s1")
		close(done)
	}()
	<-entered

	assert.Equal(t, 2, reg.Len(), "s1 stays in the map while its handle closes")
	assert.Equal(t, 1, reg.Active())

	close(unblock)
	<-done
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1, reg.Active())
}
