// internal/sshpool/pool_test.go
package sshpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"bastion/internal/database"
)

type fakeConn struct {
	mu     sync.Mutex
	alive  bool
	closed bool
}

func (c *fakeConn) NewSession() (*ssh.Session, error) {
	return nil, errors.New("fakeConn: sessions not supported")
}

func (c *fakeConn) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return false, nil, errors.New("connection lost")
	}
	return true, nil, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	c.closed = true
	return nil
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	calls int32
	delay time.Duration
	err   error
	conns []*fakeConn
}

func (d *fakeDialer) dial(ctx context.Context, server *database.Server, creds Credentials) (Conn, string, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if d.err != nil {
		return nil, "", d.err
	}
	conn := &fakeConn{alive: true}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, "SHA256:testfingerprint", nil
}

func (d *fakeDialer) dialCount() int32 {
	return atomic.LoadInt32(&d.calls)
}

func testServer() *database.Server {
	return &database.Server{ID: "srv-1", Name: "test", Host: "10.0.0.5", Port: 22}
}

func newTestPool(t *testing.T, d *fakeDialer) *Pool {
	t.Helper()
	p := NewPool(d.dial, 10*time.Minute, time.Minute)
	t.Cleanup(p.CloseAll)
	return p
}

func TestPoolReusesConnection(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d)
	srv := testServer()

	conn1, fp, err := p.Acquire(context.Background(), srv, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "SHA256:testfingerprint", fp)
	p.Release(srv.ID)

	conn2, _, err := p.Acquire(context.Background(), srv, Credentials{})
	require.NoError(t, err)
	p.Release(srv.ID)

	assert.Same(t, conn1, conn2)
	assert.Equal(t, int32(1), d.dialCount())
	assert.Equal(t, 1, p.Size())
}

func TestPoolSingleFlight(t *testing.T) {
	d := &fakeDialer{delay: 50 * time.Millisecond}
	p := newTestPool(t, d)
	srv := testServer()

	var wg sync.WaitGroup
	conns := make([]Conn, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, _, err := p.Acquire(context.Background(), srv, Credentials{})
			require.NoError(t, err)
			conns[i] = conn
			time.Sleep(5 * time.Millisecond)
			p.Release(srv.ID)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), d.dialCount(), "concurrent acquires should share one dial")
	for i := 1; i < 4; i++ {
		assert.Same(t, conns[0], conns[i])
	}
}

func TestPoolRedialsDeadConnection(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d)
	srv := testServer()

	conn1, _, err := p.Acquire(context.Background(), srv, Credentials{})
	require.NoError(t, err)
	p.Release(srv.ID)

	conn1.(*fakeConn).kill()

	conn2, _, err := p.Acquire(context.Background(), srv, Credentials{})
	require.NoError(t, err)
	p.Release(srv.ID)

	assert.NotSame(t, conn1, conn2)
	assert.Equal(t, int32(2), d.dialCount())
}

func TestPoolEvict(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d)
	srv := testServer()

	conn, _, err := p.Acquire(context.Background(), srv, Credentials{})
	require.NoError(t, err)
	p.Release(srv.ID)

	p.Evict(srv.ID)
	assert.True(t, conn.(*fakeConn).isClosed())
	assert.Equal(t, 0, p.Size())

	_, _, err = p.Acquire(context.Background(), srv, Credentials{})
	require.NoError(t, err)
	p.Release(srv.ID)
	assert.Equal(t, int32(2), d.dialCount())
}

func TestPoolAcquireWaitsForBorrower(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d)
	srv := testServer()

	_, _, err := p.Acquire(context.Background(), srv, Credentials{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = p.Acquire(ctx, srv, Credentials{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release(srv.ID)

	_, _, err = p.Acquire(context.Background(), srv, Credentials{})
	require.NoError(t, err)
	p.Release(srv.ID)
}

func TestPoolDialErrorReleasesToken(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	p := newTestPool(t, d)
	srv := testServer()

	_, _, err := p.Acquire(context.Background(), srv, Credentials{})
	require.Error(t, err)

	// the failed attempt must not leave the slot locked
	d.err = nil
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err = p.Acquire(ctx, srv, Credentials{})
	require.NoError(t, err)
	p.Release(srv.ID)
}

func TestPoolIdleEviction(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(d.dial, 20*time.Millisecond, time.Hour)
	t.Cleanup(p.CloseAll)
	srv := testServer()

	conn, _, err := p.Acquire(context.Background(), srv, Credentials{})
	require.NoError(t, err)
	p.Release(srv.ID)

	time.Sleep(40 * time.Millisecond)
	p.sweep()

	assert.True(t, conn.(*fakeConn).isClosed())
	assert.Equal(t, 0, p.Size())
}

func TestPoolSweepSkipsBorrowed(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(d.dial, time.Nanosecond, time.Hour)
	t.Cleanup(p.CloseAll)
	srv := testServer()

	conn, _, err := p.Acquire(context.Background(), srv, Credentials{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	p.sweep()

	assert.False(t, conn.(*fakeConn).isClosed(), "borrowed connection must not be evicted")
	p.Release(srv.ID)
}
