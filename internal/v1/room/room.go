package room

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/burrowchat/burrow/internal/v1/blob"
	"github.com/burrowchat/burrow/internal/v1/logging"
	"github.com/burrowchat/burrow/internal/v1/metrics"
	"github.com/burrowchat/burrow/internal/v1/ratelimit"
	"github.com/burrowchat/burrow/internal/v1/store"
	"github.com/burrowchat/burrow/internal/v1/types"
)

const (
	// BacklogReplayLimit bounds how many persisted messages a freshly
	// accepted session is brought up to date with.
	BacklogReplayLimit = 100

	// DefaultChannelLimit caps listChannels results.
	DefaultChannelLimit = 100

	// SearchChannelLimit caps prefix-search results.
	SearchChannelLimit = 20
)

// sessionState is the coordinator-side view of one connected client.
// All fields are guarded by Room.mu.
type sessionState struct {
	// queued buffers frames that arrived before the handshake. Flushed
	// in order when the session names itself, never after.
	queued [][]byte

	gate *ratelimit.Gate
}

// Room is the authoritative coordinator for one chat room. Every
// operation — inbound frames, HTTP requests, destruction ticks — is
// serialized under mu, so handlers never see partial state.
type Room struct {
	ID types.RoomIDType

	mu       sync.Mutex
	sessions map[types.ClientInterface]*sessionState

	// lastTimestamp enforces the strictly-increasing timestamp sequence
	// across restarts: seeded from the store's max on creation.
	lastTimestamp int64

	store    *store.Store
	blobs    blob.Store
	limiters *ratelimit.Sharded

	// destruction timer state; see destruction.go.
	destructionCancel context.CancelFunc
	destructionTime   int64

	onEmpty func(types.RoomIDType)

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRoom opens a coordinator over an existing per-room store. It seeds
// the timestamp floor from persisted state and resumes a pending
// destruction if room metadata schedules one.
func NewRoom(ctx context.Context, id types.RoomIDType, st *store.Store, blobs blob.Store, onEmpty func(types.RoomIDType)) (*Room, error) {
	r := &Room{
		ID:       id,
		sessions: make(map[types.ClientInterface]*sessionState),
		store:    st,
		blobs:    blobs,
		limiters: ratelimit.NewSharded(),
		onEmpty:  onEmpty,
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	last, err := st.MaxTimestamp(r.ctx)
	if err != nil {
		return nil, err
	}
	r.lastTimestamp = last

	if err := r.resumeDestruction(); err != nil {
		return nil, err
	}

	return r, nil
}

// Shutdown closes every session and waits for background timers to stop.
func (r *Room) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for client := range r.sessions {
		client.Disconnect("Server shutting down")
	}
	r.sessions = make(map[types.ClientInterface]*sessionState)
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsEmpty reports whether the room has no live sessions.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) == 0
}

// HandleClientConnect registers a freshly upgraded stream as an unnamed
// session. The roster ({joined} for every named peer) and the recent
// backlog are queued; they flush when the client names itself.
func (r *Room) HandleClientConnect(client types.ClientInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := &sessionState{
		gate: ratelimit.NewGate(r.limiters.Get(client.GetSourceKey())),
	}

	for peer := range r.sessions {
		if name := peer.GetUsername(); name != "" {
			state.queued = append(state.queued, joinedFrame(name))
		}
	}

	backlog, err := r.store.Backlog(r.ctx, BacklogReplayLimit)
	if err != nil {
		logging.Error(r.ctx, "Backlog replay failed", zap.String("room", string(r.ID)), zap.Error(err))
	}
	for _, m := range backlog {
		state.queued = append(state.queued, broadcastMessageFrame(m, nil))
	}

	r.sessions[client] = state
	metrics.IncSession()
	logging.Info(r.ctx, "Session accepted",
		zap.String("room", string(r.ID)),
		zap.String("sourceKey", client.GetSourceKey()),
		zap.Int("peers", len(r.sessions)-1))
}

// HandleClientDisconnect removes a session after its stream closed.
func (r *Room) HandleClientDisconnect(client types.ClientInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[client]; !ok {
		return
	}
	delete(r.sessions, client)
	metrics.DecSession()

	name := client.GetUsername()
	logging.Info(r.ctx, "Session closed",
		zap.String("room", string(r.ID)), zap.String("username", string(name)))

	if name != "" {
		r.broadcastLocked(quitFrame(name))
	}
	r.updateSessionGaugeLocked()

	if len(r.sessions) == 0 && r.onEmpty != nil {
		go r.onEmpty(r.ID)
	}
}

// broadcastLocked fans one frame out: ready sessions get it directly,
// unnamed sessions have it queued. Sessions whose send fails are reaped
// and their departure is announced. Caller holds r.mu.
func (r *Room) broadcastLocked(data []byte) {
	if data == nil {
		return
	}
	start := time.Now()

	var dead []types.ClientInterface
	for client, state := range r.sessions {
		if client.GetUsername() == "" {
			state.queued = append(state.queued, data)
			continue
		}
		if !client.SendRaw(data) {
			dead = append(dead, client)
		}
	}

	var quits [][]byte
	for _, client := range dead {
		delete(r.sessions, client)
		metrics.DecSession()
		client.Disconnect("send failed")
		if name := client.GetUsername(); name != "" {
			quits = append(quits, quitFrame(name))
		}
	}

	// Announce reaped peers. Dead sessions are already gone, so this
	// recursion is bounded by the number of reaps.
	for _, q := range quits {
		r.broadcastLocked(q)
	}

	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())

	if len(dead) > 0 {
		r.updateSessionGaugeLocked()
		if len(r.sessions) == 0 && r.onEmpty != nil {
			go r.onEmpty(r.ID)
		}
	}
}

// Broadcast sends one frame to every session (ready or queued).
func (r *Room) Broadcast(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(data)
}

// assignTimestampLocked returns the next message timestamp: wall-clock
// milliseconds, bumped past the previous timestamp when the clock
// stalls or steps backwards. Caller holds r.mu.
func (r *Room) assignTimestampLocked() int64 {
	ts := time.Now().UnixMilli()
	if ts <= r.lastTimestamp {
		ts = r.lastTimestamp + 1
	}
	r.lastTimestamp = ts
	return ts
}

func (r *Room) updateSessionGaugeLocked() {
	ready := 0
	for client := range r.sessions {
		if client.GetUsername() != "" {
			ready++
		}
	}
	if ready > 0 {
		metrics.RoomSessions.WithLabelValues(string(r.ID)).Set(float64(ready))
	} else {
		metrics.RoomSessions.DeleteLabelValues(string(r.ID))
	}
}

// readDestructionTime returns the scheduled destruction epoch in ms, or
// 0 when none is stored.
func (r *Room) readDestructionTime(ctx context.Context) (int64, error) {
	raw, ok, err := r.store.GetMeta(ctx, types.MetaKeyDestructionTime)
	if err != nil || !ok {
		return 0, err
	}
	t, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logging.Warn(ctx, "Ignoring malformed destruction-time metadata",
			zap.String("room", string(r.ID)), zap.String("value", raw))
		return 0, nil
	}
	return t, nil
}
