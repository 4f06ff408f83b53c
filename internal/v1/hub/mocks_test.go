package hub

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/burrowchat/burrow/internal/v1/blob"
	"github.com/burrowchat/burrow/internal/v1/config"
	"github.com/burrowchat/burrow/internal/v1/ratelimit"
	"github.com/burrowchat/burrow/internal/v1/room"
	"github.com/burrowchat/burrow/internal/v1/types"
)

// fakeConn is an in-memory wsConnection. Reads block on the inbound
// channel; writes are recorded.
type fakeConn struct {
	inbound chan fakeFrame

	mu      sync.Mutex
	written []fakeFrame
	closed  bool
}

type fakeFrame struct {
	messageType int
	data        []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan fakeFrame, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	frame, ok := <-f.inbound
	if !ok {
		return 0, nil, net.ErrClosed
	}
	return frame.messageType, frame.data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return net.ErrClosed
	}
	f.written = append(f.written, fakeFrame{messageType, data})
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Written() []fakeFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeFrame, len(f.written))
	copy(out, f.written)
	return out
}

// endRead unblocks a pending ReadMessage with an error.
func (f *fakeConn) endRead() {
	close(f.inbound)
}

// fakeRoomer records coordinator calls for client pump tests.
type fakeRoomer struct {
	mu           sync.Mutex
	connected    []types.ClientInterface
	disconnected []types.ClientInterface
	frames       [][]byte
}

func (f *fakeRoomer) HandleClientConnect(c types.ClientInterface) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, c)
}

func (f *fakeRoomer) HandleClientDisconnect(c types.ClientInterface) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, c)
}

func (f *fakeRoomer) HandleFrame(_ context.Context, _ types.ClientInterface, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
}

func (f *fakeRoomer) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeRoomer) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnected)
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blob.NewDiskStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	roomsDir := filepath.Join(dir, "rooms")
	require.NoError(t, os.MkdirAll(roomsDir, 0o755))

	h := NewHub(roomsDir, blobs, []string{"http://localhost:3000"})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

func newTestLimiter(t *testing.T) *ratelimit.HTTPLimiter {
	t.Helper()
	limiter, err := ratelimit.NewHTTPLimiter(&config.Config{
		RateLimitAPIGlobal: "10000-M",
		RateLimitAPIRooms:  "10000-M",
		RateLimitUploads:   "10000-M",
	}, nil)
	require.NoError(t, err)
	return limiter
}

// handshakeClient attaches an in-memory session and names it.
func handshakeClient(t *testing.T, r *room.Room, name string) *Client {
	t.Helper()
	client := newClient(newFakeConn(), r, "10.0.0.1")
	r.HandleClientConnect(client)
	r.HandleFrame(context.Background(), client, []byte(`{"name":"`+name+`"}`))
	require.Equal(t, types.UsernameType(name), client.GetUsername())
	return client
}

func sendFrame(r *room.Room, client *Client, frame string) {
	r.HandleFrame(context.Background(), client, []byte(frame))
}
