package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	kind int
	data []byte
}

type fakeConn struct {
	writes chan frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{writes: make(chan frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) SetReadLimit(int64) {}
func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	case c.writes <- frame{kind, append([]byte(nil), data...)}:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func next(t *testing.T, c *fakeConn) frame {
	t.Helper()
	select {
	case f := <-c.writes:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return frame{}
	}
}

func TestBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New("status", nil)
	go h.Run(ctx)

	conn := newFakeConn()
	c := NewClient(h, conn)
	go c.Run()
	assert.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.IsRunning())

	require.NoError(t, h.BroadcastJSON(map[string]float64{"x": 1.5}))
	f := next(t, conn)
	assert.Equal(t, websocket.TextMessage, f.kind)
	assert.JSONEq(t, `{"x":1.5}`, string(f.data))

	h.BroadcastBinary([]byte{0xFF, 0xD8})
	f = next(t, conn)
	assert.Equal(t, websocket.BinaryMessage, f.kind)
	assert.Equal(t, []byte{0xFF, 0xD8}, f.data)

	conn.Close()
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New("status", nil)
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	conn := newFakeConn()
	c := NewClient(h, conn)
	go c.writePump()

	cancel()
	<-done
	assert.False(t, h.IsRunning())
	assert.Equal(t, 0, h.ClientCount())

	f := next(t, conn)
	assert.Equal(t, websocket.CloseMessage, f.kind, "clients get a close frame on shutdown")
}

func TestBroadcastNeverBlocks(t *testing.T) {
	h := New("idle", nil)
	for i := 0; i < 1000; i++ {
		h.BroadcastBinary([]byte{1})
	}
	assert.Len(t, h.broadcast, cap(h.broadcast))
}
