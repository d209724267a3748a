package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pml-dev/gateway/pkg/models"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New()
	t.Cleanup(b.Close)
	return b
}

func TestEmitDeliversToExactAndWildcardHandlers(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var got []string

	b.On("tool.start", func(e models.Event) {
		mu.Lock()
		got = append(got, "exact:"+e.Type)
		mu.Unlock()
	})
	b.On(Wildcard, func(e models.Event) {
		mu.Lock()
		got = append(got, "wild:"+e.Type)
		mu.Unlock()
	})

	b.Emit(models.Event{Type: "tool.start", Source: "test"})
	b.Emit(models.Event{Type: "tool.completed", Source: "test"})
	b.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"exact:tool.start", "wild:tool.start", "wild:tool.completed"}, got)
}

func TestEmitFillsTimestampWhenAbsent(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var filled, preserved time.Time
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	b.On("a", func(e models.Event) { mu.Lock(); filled = e.Timestamp; mu.Unlock() })
	b.On("b", func(e models.Event) { mu.Lock(); preserved = e.Timestamp; mu.Unlock() })

	b.Emit(models.Event{Type: "a"})
	b.Emit(models.Event{Type: "b", Timestamp: fixed})
	b.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, filled.IsZero())
	assert.Equal(t, fixed, preserved)
}

func TestHandlerPanicDoesNotStopOtherHandlers(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	ran := false

	b.On("x", func(models.Event) { panic("boom") })
	b.On("x", func(models.Event) { mu.Lock(); ran = true; mu.Unlock() })

	b.Emit(models.Event{Type: "x"})
	b.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, ran, "second handler must run despite first panicking")
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	count := 0
	b.Once("x", func(models.Event) { mu.Lock(); count++; mu.Unlock() })

	b.Emit(models.Event{Type: "x"})
	b.Emit(models.Event{Type: "x"})
	b.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
	assert.False(t, b.HasHandlers("x"))
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	count := 0
	unsub := b.On("x", func(models.Event) { mu.Lock(); count++; mu.Unlock() })

	b.Emit(models.Event{Type: "x"})
	b.Drain()
	unsub()
	unsub() // second call is a no-op
	b.Emit(models.Event{Type: "x"})
	b.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestOffRemovesByFuncIdentity(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	count := 0
	handler := func(models.Event) { mu.Lock(); count++; mu.Unlock() }

	b.On("x", handler)
	require.Equal(t, 1, b.GetHandlerCount("x"))
	b.Off("x", handler)
	assert.Equal(t, 0, b.GetHandlerCount("x"))

	b.Emit(models.Event{Type: "x"})
	b.Drain()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestCloseMakesEmitANoOp(t *testing.T) {
	b := New()

	var mu sync.Mutex
	count := 0
	b.On("x", func(models.Event) { mu.Lock(); count++; mu.Unlock() })

	b.Close()
	b.Emit(models.Event{Type: "x"})

	assert.Equal(t, int64(0), b.GetEmitCount())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)

	// On after Close returns a no-op unsubscribe.
	unsub := b.On("y", func(models.Event) {})
	unsub()
	assert.False(t, b.HasHandlers("y"))
}

func TestResetReopensAndZerosCounters(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	b.Emit(models.Event{Type: "x"})
	require.Equal(t, int64(1), b.GetEmitCount())

	b.Close()
	b.Reset()

	assert.Equal(t, int64(0), b.GetEmitCount())

	var mu sync.Mutex
	count := 0
	b.On("x", func(models.Event) { mu.Lock(); count++; mu.Unlock() })
	b.Emit(models.Event{Type: "x"})
	b.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(1), b.GetEmitCount())
}

func TestGetRegisteredTypes(t *testing.T) {
	b := newTestBus(t)
	b.On("a", func(models.Event) {})
	b.On("b", func(models.Event) {})
	b.On(Wildcard, func(models.Event) {})

	types := b.GetRegisteredTypes()
	assert.ElementsMatch(t, []string{"a", "b", Wildcard}, types)
}

func TestFIFOOrderPerEmitter(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var got []int
	b.On("seq", func(e models.Event) {
		mu.Lock()
		got = append(got, e.Payload["i"].(int))
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		b.Emit(models.Event{Type: "seq", Payload: map[string]any{"i": i}})
	}
	b.Drain()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestEmitIsSafeAcrossConcurrentReset(t *testing.T) {
	b := newTestBus(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Emit(models.Event{Type: "burst"})
		}
	}()
	for i := 0; i < 5; i++ {
		b.Reset()
	}
	<-done

	var mu sync.Mutex
	delivered := 0
	b.On("burst", func(models.Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	b.Emit(models.Event{Type: "burst"})
	b.Drain()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}
