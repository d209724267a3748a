package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pml-dev/gateway/pkg/models"
)

type fakeConn struct {
	mu            sync.Mutex
	disconnected  bool
	disconnectErr error
}

func (c *fakeConn) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return c.disconnectErr
}

func (c *fakeConn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func connFactory(conn Connection, err error) Factory {
	return func(context.Context) (Connection, error) { return conn, err }
}

func TestAcquireCreatesOnceAndReuses(t *testing.T) {
	p := New()
	t.Cleanup(p.Close)

	var calls atomic.Int32
	conn := &fakeConn{}
	factory := func(context.Context) (Connection, error) {
		calls.Add(1)
		return conn, nil
	}

	c1, err := p.Acquire(context.Background(), "fs", factory)
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), "fs", factory)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, p.Size())
}

func TestAcquireFailsWhenPoolExhausted(t *testing.T) {
	p := New(WithMaxConnections(1))
	t.Cleanup(p.Close)

	_, err := p.Acquire(context.Background(), "a", connFactory(&fakeConn{}, nil))
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), "b", connFactory(&fakeConn{}, nil))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindPoolExhausted))

	// Existing entry still acquirable at capacity.
	_, err = p.Acquire(context.Background(), "a", connFactory(&fakeConn{}, nil))
	assert.NoError(t, err)
}

func TestFactoryFailureLeavesPoolUnchanged(t *testing.T) {
	p := New()
	t.Cleanup(p.Close)

	boom := errors.New("dial failed")
	_, err := p.Acquire(context.Background(), "a", connFactory(nil, boom))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Size())
	assert.False(t, p.Has("a"))
}

func TestIdleExpiryDisconnectsAndRemoves(t *testing.T) {
	p := New(WithIdleTimeout(30 * time.Millisecond))
	t.Cleanup(p.Close)

	conn := &fakeConn{}
	_, err := p.Acquire(context.Background(), "a", connFactory(conn, nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !p.Has("a") && conn.isDisconnected()
	}, time.Second, 5*time.Millisecond)
}

func TestReleaseResetsIdleTimer(t *testing.T) {
	p := New(WithIdleTimeout(60 * time.Millisecond))
	t.Cleanup(p.Close)

	conn := &fakeConn{}
	_, err := p.Acquire(context.Background(), "a", connFactory(conn, nil))
	require.NoError(t, err)

	// Keep releasing within the idle window; the entry must survive.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		p.Release("a")
	}
	assert.True(t, p.Has("a"))

	// Stop touching it; now it expires.
	require.Eventually(t, func() bool { return !p.Has("a") }, time.Second, 5*time.Millisecond)
}

func TestCloseDisconnectsAllToleratingFaults(t *testing.T) {
	p := New()

	good := &fakeConn{}
	bad := &fakeConn{disconnectErr: errors.New("already gone")}
	_, err := p.Acquire(context.Background(), "good", connFactory(good, nil))
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), "bad", connFactory(bad, nil))
	require.NoError(t, err)

	p.Close()
	p.Close() // idempotent

	assert.True(t, good.isDisconnected())
	assert.True(t, bad.isDisconnected())
	assert.Equal(t, 0, p.Size())

	_, err = p.Acquire(context.Background(), "good", connFactory(&fakeConn{}, nil))
	assert.True(t, models.IsKind(err, models.KindUnavailableService))
}

func TestAcquireIsSingleFlightPerServer(t *testing.T) {
	p := New()
	t.Cleanup(p.Close)

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	factory := func(context.Context) (Connection, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return &fakeConn{}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(context.Background(), "a", factory)
			assert.NoError(t, err)
		}()
	}

	<-started
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "factory must run once per server id")
}

func TestConcurrentAcquiresForDistinctServersRespectCapacity(t *testing.T) {
	p := New(WithMaxConnections(1))
	t.Cleanup(p.Close)

	started := make(chan struct{})
	proceed := make(chan struct{})
	slowConn := &fakeConn{}
	slowFactory := func(context.Context) (Connection, error) {
		close(started)
		<-proceed
		return slowConn, nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "a", slowFactory)
		errCh <- err
	}()

	// "a" has passed the capacity check and is inside its factory; "b" fills
	// the pool in the meantime.
	<-started
	_, err := p.Acquire(context.Background(), "b", connFactory(&fakeConn{}, nil))
	require.NoError(t, err)

	close(proceed)
	err = <-errCh
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindPoolExhausted))
	assert.Equal(t, 1, p.Size())
	assert.Eventually(t, slowConn.isDisconnected, time.Second, 10*time.Millisecond,
		"fresh connection must be torn down on capacity breach")
}
