package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code-with-me/internal/document"
	"code-with-me/internal/hub"
	"code-with-me/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) (endpoint string, h *hub.Hub) {
	t.Helper()
	h = hub.NewHub(hub.Options{})
	go h.Run()
	ts := httptest.NewServer(hub.NewServer(":0", h, nil).Handler())
	t.Cleanup(func() {
		h.Shutdown()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http"), h
}

func connect(t *testing.T, endpoint, room string, doc *document.Doc) *Provider {
	t.Helper()
	p, err := New(endpoint, room, doc, Options{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, p.Connect())
	t.Cleanup(func() { p.Close() })
	return p
}

func text(doc *document.Doc) string {
	return doc.Text(document.DefaultTextName).String()
}

func TestNewValidatesEndpoint(t *testing.T) {
	doc := document.New("")
	tests := []struct {
		name     string
		endpoint string
		room     string
	}{
		{"http scheme", "http://localhost:1234", "room"},
		{"no scheme", "localhost:1234", "room"},
		{"no host", "ws://", "room"},
		{"empty room", "ws://localhost:1234", ""},
		{"unparseable", "ws://[::1", "room"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.endpoint, tt.room, doc, Options{})
			assert.ErrorIs(t, err, ErrInvalidEndpoint)
		})
	}

	p, err := New("wss://relay.example.com/", "my room", doc, Options{})
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/my%20room", p.URL())
}

func TestProvidersConverge(t *testing.T) {
	endpoint, _ := startRelay(t)

	docA := document.New("a")
	docB := document.New("b")
	pa := connect(t, endpoint, "room", docA)
	pb := connect(t, endpoint, "room", docB)

	require.Eventually(t, func() bool { return pa.Synced() && pb.Synced() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, docA.Text(document.DefaultTextName).Insert(0, "hello"))
	require.Eventually(t, func() bool { return text(docB) == "hello" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, docB.Text(document.DefaultTextName).Insert(5, " world"))
	require.NoError(t, docA.Text(document.DefaultTextName).Insert(0, ">"))
	require.Eventually(t, func() bool {
		return text(docA) == ">hello world" && text(docA) == text(docB)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLateJoinerCatchesUpFromBacklog(t *testing.T) {
	endpoint, h := startRelay(t)

	docA := document.New("a")
	require.NoError(t, docA.Text(document.DefaultTextName).Insert(0, "written offline"))
	pa := connect(t, endpoint, "room", docA)
	require.Eventually(t, pa.Synced, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.BacklogLen("room") == 1 }, 2*time.Second, 10*time.Millisecond)

	docB := document.New("b")
	var syncs []bool
	var mu sync.Mutex
	pb, err := New(endpoint, "room", docB, Options{})
	require.NoError(t, err)
	pb.OnSync(func(synced bool) {
		mu.Lock()
		defer mu.Unlock()
		syncs = append(syncs, synced)
		if synced {
			// The backlog is applied before the flag flips.
			assert.Equal(t, "written offline", text(docB))
		}
	})
	require.NoError(t, pb.Connect())
	defer pb.Close()

	require.Eventually(t, pb.Synced, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "written offline", text(docB))
	mu.Lock()
	assert.Equal(t, true, syncs[0])
	mu.Unlock()
}

func TestStatusPeersAndPresence(t *testing.T) {
	endpoint, _ := startRelay(t)

	var (
		mu       sync.Mutex
		statuses []Status
		peers    int
		seen     []protocol.Presence
	)
	docA := document.New("a")
	pa, err := New(endpoint, "room", docA, Options{Presence: protocol.Presence{Name: "ada", Role: "host"}})
	require.NoError(t, err)
	pa.OnStatus(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})
	pa.OnPeers(func(n int) {
		mu.Lock()
		defer mu.Unlock()
		peers = n
	})
	pa.OnPresence(func(p protocol.Presence) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p)
	})
	require.NoError(t, pa.Connect())
	require.Eventually(t, func() bool { return pa.Status() == StatusConnected }, 2*time.Second, 10*time.Millisecond)

	connect(t, endpoint, "room", document.New("b"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return peers == 2 && len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "b", seen[0].ClientID)
	mu.Unlock()

	require.NoError(t, pa.Close())
	require.NoError(t, pa.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, statuses)
	assert.False(t, pa.Synced())
	assert.ErrorIs(t, pa.Connect(), ErrClosed)
}

func TestReconnectsAfterRelayRestart(t *testing.T) {
	h := hub.NewHub(hub.Options{})
	go h.Run()
	srv := hub.NewServer("127.0.0.1:0", h, nil)
	addr, err := srv.Listen()
	require.NoError(t, err)
	go srv.Start()
	endpoint := "ws://" + addr.String()

	doc := document.New("a")
	p := connect(t, endpoint, "room", doc)
	require.Eventually(t, p.Synced, 2*time.Second, 10*time.Millisecond)

	// Drop every connection; the provider keeps retrying.
	h.Shutdown()
	require.Eventually(t, func() bool { return !p.Synced() }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, doc.Text(document.DefaultTextName).Insert(0, "offline"))

	h2 := hub.NewHub(hub.Options{})
	go h2.Run()
	defer h2.Shutdown()
	srv2 := hub.NewServer(addr.String(), h2, nil)
	defer srv.Shutdown(context.Background())
	defer srv2.Shutdown(context.Background())

	// Re-bind the same port once the first server released it.
	require.NoError(t, srv.Shutdown(context.Background()))
	_, err = srv2.Listen()
	require.NoError(t, err)
	go srv2.Start()

	require.Eventually(t, p.Synced, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h2.BacklogLen("room") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSendOverflowReconnectsAndResyncs(t *testing.T) {
	h := hub.NewHub(hub.Options{})
	go h.Run()
	defer h.Shutdown()
	relay := hub.NewServer(":0", h, nil).Handler()

	// The first connection is accepted but never read, so the writer
	// blocks once the socket buffers are full. Later ones reach the relay.
	var conns atomic.Int32
	release := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) > 1 {
			relay.ServeHTTP(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-release
		conn.Close()
	}))
	defer ts.Close()
	defer close(release)
	endpoint := "ws" + strings.TrimPrefix(ts.URL, "http")

	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			c, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := c.(*net.TCPConn); ok {
				tcp.SetWriteBuffer(4096)
			}
			return c, nil
		},
	}

	writer := document.New("writer")
	p, err := New(endpoint, "stall", writer, Options{
		Dialer:          dialer,
		SendBuffer:      4,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, p.Connect())
	defer p.Close()
	require.Eventually(t, func() bool { return p.Status() == StatusConnected }, 2*time.Second, 5*time.Millisecond)

	chunk := strings.Repeat("x", 8192)
	wt := writer.Text(document.DefaultTextName)
	for i := 0; i < 100; i++ {
		require.NoError(t, wt.Insert(wt.Len(), chunk))
	}

	// Reconnecting well before the write deadline means the overflow
	// dropped the connection rather than a message.
	require.Eventually(t, func() bool { return conns.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)

	reader := document.New("reader")
	connect(t, endpoint, "stall", reader)
	require.Eventually(t, func() bool {
		return reader.Text(document.DefaultTextName).Len() == 100*len(chunk)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, reader.Pending())
}

func TestStopsReconnectingOnceDocumentIsDestroyed(t *testing.T) {
	doc := document.New("")
	p, err := New("ws://127.0.0.1:1", "room", doc, Options{InitialInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, p.Connect())
	defer p.Close()

	doc.Destroy()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("provider kept reconnecting for a destroyed document")
	}
	assert.Equal(t, StatusDisconnected, p.Status())
}
