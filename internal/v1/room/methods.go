package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/burrowchat/burrow/internal/v1/logging"
	"github.com/burrowchat/burrow/internal/v1/types"
)

// HTTP-facing coordinator operations. Each takes the room lock, so REST
// traffic is serialized with stream ingress and timer ticks.

// EditMessage rewrites a message's text, keeping the old text in the
// edit history. Only the author may edit, and file messages are
// immutable.
func (r *Room) EditMessage(ctx context.Context, messageID string, username types.UsernameType, newText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if newText == "" {
		return types.NewClientError(types.ErrInvalidArgument, "Message required")
	}
	if len(newText) > types.MaxMessageLen {
		return types.NewClientError(types.ErrInvalidArgument, "Message too long")
	}

	msg, err := r.store.MessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.NewClientError(types.ErrNotFound, "Message not found")
		}
		return err
	}
	if msg.Username != username {
		return types.NewClientError(types.ErrForbidden, "You can only edit your own messages")
	}
	if msg.IsFile() {
		return types.NewClientError(types.ErrConflict, "Cannot edit file messages")
	}

	editedAt := time.Now().UnixMilli()
	if err := r.store.UpdateMessageText(ctx, messageID, newText, editedAt); err != nil {
		return err
	}

	r.broadcastLocked(messageEditedFrame(messageID, newText, editedAt))
	logging.Info(ctx, "Message edited",
		zap.String("room", string(r.ID)), zap.String("messageId", messageID))
	return nil
}

// DeleteMessage removes a message and every dependent row. Replies
// survive with a dangling replyToId. Only the author may delete.
func (r *Room) DeleteMessage(ctx context.Context, messageID string, username types.UsernameType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := r.store.MessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.NewClientError(types.ErrNotFound, "Message not found")
		}
		return err
	}
	if msg.Username != username {
		return types.NewClientError(types.ErrForbidden, "You can only delete your own messages")
	}

	if err := r.store.DeleteMessage(ctx, messageID); err != nil {
		return err
	}

	r.broadcastLocked(messageDeletedFrame(messageID))
	logging.Info(ctx, "Message deleted",
		zap.String("room", string(r.ID)), zap.String("messageId", messageID))
	return nil
}

// ThreadReplies returns a message's replies: direct children only, or
// the depth-bounded transitive closure when nested is set. Both forms
// come back ascending by timestamp.
func (r *Room) ThreadReplies(ctx context.Context, messageID string, nested bool) ([]types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.MessageByID(ctx, messageID); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.NewClientError(types.ErrNotFound, "Message not found")
		}
		return nil, err
	}

	if nested {
		return r.store.NestedReplies(ctx, messageID, types.MaxThreadDepth)
	}
	return r.store.DirectReplies(ctx, messageID)
}

// ChannelMessages returns the most recent messages in one channel, in
// chronological order. limit <= 0 means the default of 100.
func (r *Room) ChannelMessages(ctx context.Context, channel types.ChannelType, limit int) ([]types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	return r.store.ChannelMessages(ctx, channel, limit)
}

// Channels lists the room's channel taxonomy, most recently used first.
func (r *Room) Channels(ctx context.Context) ([]types.ChannelInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Channels(ctx, DefaultChannelLimit)
}

// SearchChannels filters the taxonomy by name prefix.
func (r *Room) SearchChannels(ctx context.Context, prefix string) ([]types.ChannelInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.SearchChannels(ctx, prefix, SearchChannelLimit)
}

// GetInfo returns the recognized room metadata.
func (r *Room) GetInfo(ctx context.Context) (types.RoomInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getInfoLocked(ctx)
}

func (r *Room) getInfoLocked(ctx context.Context) (types.RoomInfo, error) {
	var info types.RoomInfo
	if name, ok, err := r.store.GetMeta(ctx, types.MetaKeyName); err != nil {
		return info, err
	} else if ok {
		info.Name = name
	}
	if note, ok, err := r.store.GetMeta(ctx, types.MetaKeyNote); err != nil {
		return info, err
	} else if ok {
		info.Note = note
	}
	return info, nil
}

// UpdateInfo upserts the provided metadata keys (nil pointer = leave
// unchanged) and announces the resulting state.
func (r *Room) UpdateInfo(ctx context.Context, name, note *string) (types.RoomInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name != nil {
		if len(*name) > types.MaxRoomNameLen {
			return types.RoomInfo{}, types.NewClientError(types.ErrInvalidArgument, "Room name too long")
		}
		if err := r.store.SetMeta(ctx, types.MetaKeyName, *name); err != nil {
			return types.RoomInfo{}, err
		}
	}
	if note != nil {
		if err := r.store.SetMeta(ctx, types.MetaKeyNote, *note); err != nil {
			return types.RoomInfo{}, err
		}
	}

	info, err := r.getInfoLocked(ctx)
	if err != nil {
		return types.RoomInfo{}, err
	}
	r.broadcastLocked(roomInfoUpdateFrame(info))
	return info, nil
}

// Export returns the administrative dump: room info plus every message
// in chronological order.
func (r *Room) Export(ctx context.Context) (types.RoomExport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.getInfoLocked(ctx)
	if err != nil {
		return types.RoomExport{}, err
	}
	msgs, err := r.store.AllMessages(ctx)
	if err != nil {
		return types.RoomExport{}, err
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	return types.RoomExport{RoomInfo: info, Messages: msgs}, nil
}

// Pin highlights an existing message within a channel. Re-pinning
// refreshes the pin timestamp.
func (r *Room) Pin(ctx context.Context, messageID string, channel types.ChannelType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := r.store.MessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.NewClientError(types.ErrNotFound, "Message not found")
		}
		return err
	}
	if channel == "" {
		channel = msg.Channel
	}

	if err := r.store.InsertPin(ctx, messageID, channel, time.Now().UnixMilli()); err != nil {
		return err
	}
	r.broadcastLocked(pinUpdateFrame(messageID, true, channel))
	return nil
}

// Unpin removes a pin. Unpinning an unpinned message is a no-op.
func (r *Room) Unpin(ctx context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.DeletePin(ctx, messageID); err != nil {
		return err
	}
	r.broadcastLocked(pinUpdateFrame(messageID, false, ""))
	return nil
}

// Pins lists pinned messages, optionally filtered by channel.
func (r *Room) Pins(ctx context.Context, channel types.ChannelType) ([]types.Pin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pins, err := r.store.Pins(ctx, channel)
	if err != nil {
		return nil, err
	}
	if pins == nil {
		pins = []types.Pin{}
	}
	return pins, nil
}
