package room

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/burrowchat/burrow/internal/v1/logging"
	"github.com/burrowchat/burrow/internal/v1/metrics"
	"github.com/burrowchat/burrow/internal/v1/types"
)

// HandleFrame is the per-session ingress state machine. A session is
// Unnamed until its first frame carries a name; after that every frame
// is an authored message.
func (r *Room) HandleFrame(ctx context.Context, client types.ClientInterface, data []byte) {
	var frame types.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		metrics.FramesRejected.WithLabelValues("malformed").Inc()
		client.SendRaw(errorFrame("Invalid frame"))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[client]
	if !ok {
		// Frame raced a disconnect; nothing to do.
		return
	}

	if client.GetUsername() == "" {
		r.handleHandshakeLocked(client, state, frame)
		return
	}
	r.handleMessageLocked(ctx, client, state, frame)
}

// handleHandshakeLocked promotes an Unnamed session to Ready: set the
// (truncated) username, flush frames queued while unnamed, announce the
// join to peers, and confirm to the client. Caller holds r.mu.
func (r *Room) handleHandshakeLocked(client types.ClientInterface, state *sessionState, frame types.ClientFrame) {
	if err := frame.ValidateHandshake(); err != nil {
		metrics.FramesRejected.WithLabelValues("bad_handshake").Inc()
		client.SendRaw(errorFrame("Name required"))
		return
	}

	name := types.TruncateName(frame.Name)
	r.reapStaleSessionLocked(client, name)
	client.SetUsername(name)

	for _, queued := range state.queued {
		if !client.SendRaw(queued) {
			break
		}
	}
	state.queued = nil

	// Peers hear the join; the client itself gets {ready} instead.
	// Unnamed peers have it queued so the announcement still precedes
	// any message this client goes on to author.
	joined := joinedFrame(name)
	for peer, peerState := range r.sessions {
		if peer == client {
			continue
		}
		if peer.GetUsername() == "" {
			peerState.queued = append(peerState.queued, joined)
			continue
		}
		peer.SendRaw(joined)
	}

	client.SendRaw(readyFrame())
	r.updateSessionGaugeLocked()
	logging.Info(r.ctx, "Session ready",
		zap.String("room", string(r.ID)), zap.String("username", string(name)))
}

// reapStaleSessionLocked force-closes a Ready session holding the same
// username, on the assumption that the old stream is a zombie of a
// reconnecting client.
func (r *Room) reapStaleSessionLocked(arriving types.ClientInterface, name types.UsernameType) {
	for peer := range r.sessions {
		if peer == arriving || peer.GetUsername() != name {
			continue
		}
		delete(r.sessions, peer)
		metrics.DecSession()
		peer.Disconnect("reconnected from another session")
		logging.Info(r.ctx, "Replaced stale session",
			zap.String("room", string(r.ID)), zap.String("username", string(name)))
	}
}

// handleMessageLocked validates, timestamps, broadcasts, and persists
// one authored message. Broadcast happens before persistence; a storage
// failure is reported to the author only. Caller holds r.mu.
func (r *Room) handleMessageLocked(ctx context.Context, client types.ClientInterface, state *sessionState, frame types.ClientFrame) {
	if !state.gate.TryAccept() {
		metrics.FramesRejected.WithLabelValues("rate_limited").Inc()
		metrics.RateLimitExceeded.WithLabelValues("websocket", "bucket").Inc()
		client.SendRaw(errorFrame("You are sending messages too fast. Please slow down (rate-limited)."))
		return
	}

	text := frame.Message
	if text == "" {
		metrics.FramesRejected.WithLabelValues("empty").Inc()
		client.SendRaw(errorFrame("Invalid message format"))
		return
	}

	isFile := strings.HasPrefix(text, types.FilePrefix)
	if !isFile && len(text) > types.MaxMessageLen {
		metrics.FramesRejected.WithLabelValues("too_long").Inc()
		client.SendRaw(errorFrame("Message too long"))
		return
	}

	channel := frame.Channel
	if channel == "" {
		channel = types.DefaultChannel
	}
	if len(channel) > types.MaxChannelLen {
		metrics.FramesRejected.WithLabelValues("channel_too_long").Inc()
		client.SendRaw(errorFrame("Channel name too long"))
		return
	}

	var fileKey string
	if isFile {
		key, ok := types.ParseFileKey(text)
		if !ok {
			metrics.FramesRejected.WithLabelValues("bad_file").Inc()
			client.SendRaw(errorFrame("Invalid file message format"))
			return
		}
		fileKey = key
	}

	messageID := frame.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	now := time.Now().UnixMilli()
	msg := types.Message{
		MessageID: messageID,
		Timestamp: r.assignTimestampLocked(),
		Username:  client.GetUsername(),
		Text:      text,
		Channel:   channel,
		CreatedAt: now,
	}
	if frame.ReplyTo != nil {
		msg.ReplyToID = frame.ReplyTo.MessageID
	}

	r.broadcastLocked(broadcastMessageFrame(msg, frame.ReplyTo))

	start := time.Now()
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		logging.Error(ctx, "Failed to persist message",
			zap.String("room", string(r.ID)), zap.String("messageId", messageID), zap.Error(err))
		client.SendRaw(errorFrame("Failed to save message"))
		return
	}
	metrics.StoreWriteDuration.Observe(time.Since(start).Seconds())

	kind := "text"
	if isFile {
		kind = "file"
	}
	metrics.MessagesIngested.WithLabelValues(kind).Inc()

	if msg.ReplyToID != "" {
		r.recordReplyLocked(ctx, msg)
	}

	if fileKey != "" {
		if err := r.store.InsertFileReference(ctx, messageID, fileKey); err != nil {
			logging.Error(ctx, "Failed to record file reference",
				zap.String("room", string(r.ID)), zap.String("fileKey", fileKey), zap.Error(err))
		}
	}
}

// recordReplyLocked writes the thread edge (always after the message
// row) and announces the parent's new reply count. Caller holds r.mu.
func (r *Room) recordReplyLocked(ctx context.Context, msg types.Message) {
	if err := r.store.InsertThreadEdge(ctx, msg.ReplyToID, msg.MessageID, msg.Timestamp); err != nil {
		logging.Error(ctx, "Failed to record thread edge",
			zap.String("room", string(r.ID)), zap.String("parentId", msg.ReplyToID), zap.Error(err))
		return
	}

	count, err := r.store.ReplyCount(ctx, msg.ReplyToID)
	if err != nil {
		logging.Error(ctx, "Failed to count replies",
			zap.String("room", string(r.ID)), zap.String("parentId", msg.ReplyToID), zap.Error(err))
		return
	}
	r.broadcastLocked(threadUpdateFrame(msg.ReplyToID, count))
}
