package hub

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []string
	closed bool
}

func (f *fakeConn) Send(b []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.msgs = append(f.msgs, string(b))
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type aliveSet map[string]bool

func (a aliveSet) Alive(id string) bool { return a[id] }

func newTestHub() *Hub {
	return NewHub(aliveSet{"s1": true, "s2": true}, zerolog.Nop())
}

func TestHub_Join(t *testing.T) {
	h := newTestHub()
	a, b := &fakeConn{}, &fakeConn{}

	require.NoError(t, h.Join("s1", a))
	require.NoError(t, h.Join("s1", b))
	assert.Equal(t, 2, h.Count("s1"))
	assert.Equal(t, 2, h.Connections())

	assert.Equal(t, ErrAlreadyJoined, h.Join("s2", a), "membership is set once")
	assert.Equal(t, 0, h.Count("s2"))
}

func TestHub_JoinUnknownSession(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	assert.Equal(t, ErrExpired, h.Join("gone", c))
	assert.Equal(t, 0, h.Connections())

	// A failed join doesn't bind the connection.
	assert.NoError(t, h.Join("s1", c))
}

func TestHub_Leave(t *testing.T) {
	h := newTestHub()
	a, b := &fakeConn{}, &fakeConn{}
	require.NoError(t, h.Join("s1", a))
	require.NoError(t, h.Join("s1", b))

	id, ok := h.Leave(a)
	assert.True(t, ok)
	assert.Equal(t, "s1", id)
	assert.Equal(t, 1, h.Count("s1"))

	_, ok = h.Leave(a)
	assert.False(t, ok, "second leave is a no-op")

	_, ok = h.Leave(&fakeConn{})
	assert.False(t, ok)

	h.Leave(b)
	assert.Equal(t, 0, h.Count("s1"))
	assert.Empty(t, h.sessions, "empty sessions are dropped")
}

func TestHub_Broadcast(t *testing.T) {
	h := newTestHub()
	a, b, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	require.NoError(t, h.Join("s1", a))
	require.NoError(t, h.Join("s1", b))
	require.NoError(t, h.Join("s2", other))

	h.Broadcast("s1", []byte("x"), nil)
	h.Broadcast("s1", []byte("y"), a)

	assert.Equal(t, []string{"x"}, a.messages())
	assert.Equal(t, []string{"x", "y"}, b.messages())
	assert.Empty(t, other.messages())

	// Unknown session.
	h.Broadcast("nope", []byte("z"), nil)
}

func TestHub_BroadcastSkipsClosed(t *testing.T) {
	h := newTestHub()
	a, b := &fakeConn{}, &fakeConn{}
	require.NoError(t, h.Join("s1", a))
	require.NoError(t, h.Join("s1", b))
	a.Close()

	assert.NotPanics(t, func() { h.Broadcast("s1", []byte("x"), nil) })
	assert.Empty(t, a.messages())
	assert.Equal(t, []string{"x"}, b.messages())
}

func TestHub_BroadcastAll(t *testing.T) {
	h := newTestHub()
	a, b := &fakeConn{}, &fakeConn{}
	require.NoError(t, h.Join("s1", a))
	require.NoError(t, h.Join("s2", b))

	h.BroadcastAll([]byte("x"))
	assert.Equal(t, []string{"x"}, a.messages())
	assert.Equal(t, []string{"x"}, b.messages())
}

func TestHub_NotifyAndClose(t *testing.T) {
	h := newTestHub()
	a, b, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	require.NoError(t, h.Join("s1", a))
	require.NoError(t, h.Join("s1", b))
	require.NoError(t, h.Join("s2", other))

	assert.Equal(t, 2, h.NotifyAndClose("s1", []byte("bye")))

	for _, c := range []*fakeConn{a, b} {
		assert.Equal(t, []string{"bye"}, c.messages())
		assert.True(t, c.isClosed())
	}
	assert.False(t, other.isClosed())
	assert.Equal(t, 0, h.Count("s1"))
	assert.Equal(t, 1, h.Connections())

	// The closed connections' own Leave is now a no-op.
	_, ok := h.Leave(a)
	assert.False(t, ok)

	assert.Equal(t, 0, h.NotifyAndClose("s1", []byte("bye")))
}

func TestHub_Concurrent(t *testing.T) {
	h := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &fakeConn{}
			h.Join("s1", c)
			h.Broadcast("s1", []byte("x"), c)
			h.BroadcastAll([]byte("y"))
			h.Leave(c)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Connections())
}
