package room

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/burrowchat/burrow/internal/v1/blob"
	"github.com/burrowchat/burrow/internal/v1/store"
	"github.com/burrowchat/burrow/internal/v1/types"
)

// MockClient implements types.ClientInterface, recording everything the
// coordinator sends.
type MockClient struct {
	mu               sync.Mutex
	username         types.UsernameType
	sourceKey        string
	sent             [][]byte
	failSend         bool
	disconnected     bool
	disconnectReason string
}

func newMockClient(sourceKey string) *MockClient {
	return &MockClient{sourceKey: sourceKey}
}

func (m *MockClient) GetUsername() types.UsernameType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.username
}

func (m *MockClient) SetUsername(name types.UsernameType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.username = name
}

func (m *MockClient) GetSourceKey() string { return m.sourceKey }

func (m *MockClient) SendRaw(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return false
	}
	m.sent = append(m.sent, data)
	return true
}

func (m *MockClient) Disconnect(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	m.disconnectReason = reason
}

func (m *MockClient) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockClient) Disconnected() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected, m.disconnectReason
}

func (m *MockClient) SetFailSend(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSend = fail
}

// frameTag classifies a server frame by its distinguishing key.
func frameTag(t *testing.T, data []byte) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))

	for _, tag := range []string{
		"ready", "joined", "quit", "error", "messageDeleted",
		"messageEdited", "threadUpdate", "roomInfoUpdate",
		"destructionUpdate", "pinUpdate",
	} {
		if _, ok := m[tag]; ok {
			return tag
		}
	}
	if _, ok := m["messageId"]; ok {
		return "message"
	}
	t.Fatalf("unrecognized frame: %s", data)
	return ""
}

func frameTags(t *testing.T, frames [][]byte) []string {
	t.Helper()
	tags := make([]string, len(frames))
	for i, f := range frames {
		tags[i] = frameTag(t, f)
	}
	return tags
}

func decodeMessageFrame(t *testing.T, data []byte) messageFrame {
	t.Helper()
	var f messageFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// mockBlobStore is an in-memory blob.Store recording deletions.
type mockBlobStore struct {
	mu      sync.Mutex
	deleted []string
	failing bool
}

func (m *mockBlobStore) Put(ctx context.Context, key string, body io.Reader, contentType string) (int64, error) {
	n, err := io.Copy(io.Discard, body)
	return n, err
}

func (m *mockBlobStore) Get(ctx context.Context, key string) (blob.Object, error) {
	return blob.Object{}, types.ErrNotFound
}

func (m *mockBlobStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return types.ErrNotFound
	}
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *mockBlobStore) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.deleted))
	copy(out, m.deleted)
	return out
}

// newTestRoom opens a coordinator over an in-memory store.
func newTestRoom(t *testing.T) (*Room, *mockBlobStore) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs := &mockBlobStore{}
	r, err := NewRoom(context.Background(), "testroom", st, blobs, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, blobs
}

// handshake connects a mock client and names it.
func handshake(t *testing.T, r *Room, name string) *MockClient {
	t.Helper()
	client := newMockClient("10.0.0." + name)
	r.HandleClientConnect(client)
	r.HandleFrame(context.Background(), client, []byte(`{"name":"`+name+`"}`))
	require.Equal(t, types.UsernameType(name), client.GetUsername())
	return client
}

func sendMessage(r *Room, client *MockClient, body string) {
	r.HandleFrame(context.Background(), client, []byte(body))
}
