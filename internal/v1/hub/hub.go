package hub

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/burrowchat/burrow/internal/v1/blob"
	"github.com/burrowchat/burrow/internal/v1/logging"
	"github.com/burrowchat/burrow/internal/v1/metrics"
	"github.com/burrowchat/burrow/internal/v1/room"
	"github.com/burrowchat/burrow/internal/v1/store"
	"github.com/burrowchat/burrow/internal/v1/types"
)

// roomEntry pairs a resident coordinator with the store the hub opened
// for it, so eviction can close the SQLite handle.
type roomEntry struct {
	room  *room.Room
	store *store.Store
}

// Hub routes HTTP and WebSocket traffic to per-room coordinators,
// creating them on demand and evicting idle ones after a grace period.
// Room state survives eviction in the per-room SQLite file.
type Hub struct {
	mu              sync.Mutex
	rooms           map[types.RoomIDType]*roomEntry
	pendingCleanups map[types.RoomIDType]*time.Timer

	dataDir        string
	blobs          blob.Store
	allowedOrigins []string
	gracePeriod    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub storing per-room SQLite files under dataDir and
// uploaded blobs in blobs.
func NewHub(dataDir string, blobs blob.Store, allowedOrigins []string) *Hub {
	h := &Hub{
		rooms:           make(map[types.RoomIDType]*roomEntry),
		pendingCleanups: make(map[types.RoomIDType]*time.Timer),
		dataDir:         dataDir,
		blobs:           blobs,
		allowedOrigins:  allowedOrigins,
		gracePeriod:     30 * time.Second,
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// AllocateRoomID returns a fresh unguessable 256-bit room identity as
// 64 hex characters.
func AllocateRoomID() (types.RoomIDType, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return types.RoomIDType(hex.EncodeToString(raw[:])), nil
}

// resolveRoomID maps a URL room name to a stable identity: 64 hex
// characters pass through directly; names up to 32 characters hash to a
// deterministic identity; anything longer is rejected.
func resolveRoomID(name string) (types.RoomIDType, error) {
	if len(name) == 64 && isHex(name) {
		return types.RoomIDType(name), nil
	}
	if len(name) > types.MaxRoomNameLen {
		return "", types.NewClientError(types.ErrNotFound, "Name too long")
	}
	if name == "" {
		return "", types.NewClientError(types.ErrNotFound, "Room name required")
	}
	sum := sha256.Sum256([]byte(name))
	return types.RoomIDType(hex.EncodeToString(sum[:])), nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// getOrCreateRoom returns the resident coordinator for roomID, opening
// its SQLite store and resuming any scheduled destruction on first
// reference.
func (h *Hub) getOrCreateRoom(roomID types.RoomIDType) (*room.Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if entry, ok := h.rooms[roomID]; ok {
		if timer, pending := h.pendingCleanups[roomID]; pending {
			timer.Stop()
			delete(h.pendingCleanups, roomID)
		}
		return entry.room, nil
	}

	st, err := store.New(filepath.Join(h.dataDir, string(roomID)+".db"))
	if err != nil {
		return nil, err
	}

	r, err := room.NewRoom(h.ctx, roomID, st, h.blobs, h.scheduleCleanup)
	if err != nil {
		st.Close()
		return nil, err
	}

	h.rooms[roomID] = &roomEntry{room: r, store: st}
	metrics.ActiveRooms.Inc()
	logging.Info(h.ctx, "Room resident", zap.String("room", string(roomID)))
	return r, nil
}

// scheduleCleanup arms the grace-period eviction of an empty room. A
// reconnect before the timer fires cancels it.
func (h *Hub) scheduleCleanup(roomID types.RoomIDType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timer, ok := h.pendingCleanups[roomID]; ok {
		timer.Stop()
	}

	// The callback re-checks its own identity under h.mu: a timer that
	// already fired and is waiting on the lock cannot be stopped, so a
	// reconnect that reclaims the room must be able to disown it.
	var timer *time.Timer
	timer = time.AfterFunc(h.gracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if h.pendingCleanups[roomID] != timer {
			return
		}
		delete(h.pendingCleanups, roomID)
		entry, ok := h.rooms[roomID]
		if !ok || !entry.room.IsEmpty() {
			return
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := entry.room.Shutdown(shutdownCtx); err != nil {
			logging.Warn(h.ctx, "Room shutdown timed out", zap.String("room", string(roomID)), zap.Error(err))
		}
		if err := entry.store.Close(); err != nil {
			logging.Warn(h.ctx, "Failed to close room store", zap.String("room", string(roomID)), zap.Error(err))
		}
		delete(h.rooms, roomID)
		metrics.ActiveRooms.Dec()
		logging.Info(h.ctx, "Evicted idle room", zap.String("room", string(roomID)))
	})
	h.pendingCleanups[roomID] = timer
}

// ServeWs resolves the room, upgrades the request, and attaches the new
// session to the coordinator.
func (h *Hub) ServeWs(c *gin.Context) {
	roomID, err := resolveRoomID(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, h.allowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}

	r, err := h.getOrCreateRoom(roomID)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to open room",
			zap.String("room", string(roomID)), zap.Error(err))
		// Keep the failure visible in browser dev tools: error frame,
		// then an abnormal close.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"Failed to open room"}`))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "uncaught exception during session setup"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	client := newClient(conn, r, c.ClientIP())
	r.HandleClientConnect(client)

	go client.writePump()
	go client.readPump()
}

// originAllowed admits non-browser clients (no Origin header) and any
// origin whose scheme and host match the configured allowlist.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// Shutdown closes every resident room and cancels pending evictions.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for roomID, timer := range h.pendingCleanups {
		timer.Stop()
		delete(h.pendingCleanups, roomID)
	}
	entries := make([]*roomEntry, 0, len(h.rooms))
	for _, entry := range h.rooms {
		entries = append(entries, entry)
	}
	h.rooms = make(map[types.RoomIDType]*roomEntry)
	h.cancel()
	h.mu.Unlock()

	for _, entry := range entries {
		if err := entry.room.Shutdown(ctx); err != nil {
			logging.Warn(ctx, "Room shutdown incomplete", zap.Error(err))
		}
		if err := entry.store.Close(); err != nil {
			logging.Warn(ctx, "Failed to close room store", zap.Error(err))
		}
		metrics.ActiveRooms.Dec()
	}

	logging.Info(ctx, "Hub shut down", zap.Int("rooms", len(entries)))
	return nil
}
