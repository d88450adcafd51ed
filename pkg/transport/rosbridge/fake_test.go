package rosbridge

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeBridge is a scripted rosbridge server. Every inbound op is recorded;
// onOp may reply through the connection it is given.
type fakeBridge struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	ops   []map[string]any
	conns []*fakeConn
	onOp  func(c *fakeConn, op map[string]any)
}

type fakeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *fakeConn) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteJSON(v)
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{t: t}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &fakeConn{ws: ws}
		fb.mu.Lock()
		fb.conns = append(fb.conns, c)
		fb.mu.Unlock()
		for {
			var op map[string]any
			if err := ws.ReadJSON(&op); err != nil {
				return
			}
			fb.mu.Lock()
			fb.ops = append(fb.ops, op)
			handler := fb.onOp
			fb.mu.Unlock()
			if handler != nil {
				handler(c, op)
			}
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBridge) handle(fn func(c *fakeConn, op map[string]any)) {
	fb.mu.Lock()
	fb.onOp = fn
	fb.mu.Unlock()
}

func (fb *fakeBridge) hostPort() (string, int) {
	host, port, err := net.SplitHostPort(strings.TrimPrefix(fb.srv.URL, "http://"))
	require.NoError(fb.t, err)
	p, err := strconv.Atoi(port)
	require.NoError(fb.t, err)
	return host, p
}

// opsNamed returns recorded ops with the given op name.
func (fb *fakeBridge) opsNamed(name string) []map[string]any {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []map[string]any
	for _, op := range fb.ops {
		if op["op"] == name {
			out = append(out, op)
		}
	}
	return out
}

// waitOp blocks until an op with the given name has been recorded.
func (fb *fakeBridge) waitOp(name string) map[string]any {
	fb.t.Helper()
	var found map[string]any
	require.Eventually(fb.t, func() bool {
		ops := fb.opsNamed(name)
		if len(ops) == 0 {
			return false
		}
		found = ops[len(ops)-1]
		return true
	}, 2*time.Second, 5*time.Millisecond, "op %s never arrived", name)
	return found
}

func (fb *fakeBridge) conn() *fakeConn {
	fb.t.Helper()
	var c *fakeConn
	require.Eventually(fb.t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		if len(fb.conns) == 0 {
			return false
		}
		c = fb.conns[len(fb.conns)-1]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func (fb *fakeBridge) transport(t *testing.T) *Transport {
	t.Helper()
	host, port := fb.hostPort()
	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.ConnectTimeout = 2 * time.Second
	tr, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(tr.Disconnect)
	return tr
}
