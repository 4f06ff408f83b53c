package room

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/burrowchat/burrow/internal/v1/logging"
	"github.com/burrowchat/burrow/internal/v1/types"
)

// Server-to-client frames. Every frame is one JSON object, tagged by the
// first key present: {ready}, {joined}, {quit}, {error}, a broadcast
// message, {messageDeleted}, {messageEdited}, {threadUpdate},
// {roomInfoUpdate}, {destructionUpdate}, {pinUpdate}.

// messageFrame is a broadcast authored message. Field names differ from
// the persisted Message record: the wire uses name/message, storage uses
// username/text.
type messageFrame struct {
	Name       types.UsernameType `json:"name"`
	Message    string             `json:"message"`
	Timestamp  int64              `json:"timestamp"`
	MessageID  string             `json:"messageId"`
	Channel    types.ChannelType  `json:"channel"`
	ReplyTo    *types.ReplyRef    `json:"replyTo,omitempty"`
	EditedAt   int64              `json:"editedAt,omitempty"`
	ThreadInfo *types.ThreadInfo  `json:"threadInfo,omitempty"`
}

type editedPayload struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
	EditedAt  int64  `json:"editedAt"`
}

type threadUpdatePayload struct {
	MessageID  string           `json:"messageId"`
	ThreadInfo types.ThreadInfo `json:"threadInfo"`
}

type destructionPayload struct {
	Countdown       int64 `json:"countdown,omitempty"`
	DestructionTime int64 `json:"destructionTime,omitempty"`
	Cancelled       bool  `json:"cancelled,omitempty"`
	RoomDestroyed   bool  `json:"roomDestroyed,omitempty"`
}

type pinUpdatePayload struct {
	MessageID string            `json:"messageId"`
	Pinned    bool              `json:"pinned"`
	Channel   types.ChannelType `json:"channel,omitempty"`
}

// encodeFrame marshals a frame, logging instead of propagating: a frame
// that cannot be encoded is a programming error, not a client condition.
func encodeFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal frame", zap.Error(err))
		return nil
	}
	return data
}

func readyFrame() []byte {
	return encodeFrame(map[string]bool{"ready": true})
}

func joinedFrame(name types.UsernameType) []byte {
	return encodeFrame(map[string]types.UsernameType{"joined": name})
}

func quitFrame(name types.UsernameType) []byte {
	return encodeFrame(map[string]types.UsernameType{"quit": name})
}

func errorFrame(text string) []byte {
	return encodeFrame(map[string]string{"error": text})
}

func broadcastMessageFrame(m types.Message, replyTo *types.ReplyRef) []byte {
	if replyTo == nil && m.ReplyToID != "" {
		replyTo = &types.ReplyRef{MessageID: m.ReplyToID}
	}
	return encodeFrame(messageFrame{
		Name:      m.Username,
		Message:   m.Text,
		Timestamp: m.Timestamp,
		MessageID: m.MessageID,
		Channel:   m.Channel,
		ReplyTo:   replyTo,
		EditedAt:  m.EditedAt,
	})
}

func messageDeletedFrame(messageID string) []byte {
	return encodeFrame(map[string]string{"messageDeleted": messageID})
}

func messageEditedFrame(messageID, text string, editedAt int64) []byte {
	return encodeFrame(map[string]editedPayload{"messageEdited": {
		MessageID: messageID,
		Message:   text,
		EditedAt:  editedAt,
	}})
}

func threadUpdateFrame(messageID string, replyCount int64) []byte {
	return encodeFrame(map[string]threadUpdatePayload{"threadUpdate": {
		MessageID:  messageID,
		ThreadInfo: types.ThreadInfo{ReplyCount: replyCount},
	}})
}

func roomInfoUpdateFrame(info types.RoomInfo) []byte {
	return encodeFrame(map[string]types.RoomInfo{"roomInfoUpdate": info})
}

func destructionTickFrame(countdown, destructionTime int64) []byte {
	return encodeFrame(map[string]destructionPayload{"destructionUpdate": {
		Countdown:       countdown,
		DestructionTime: destructionTime,
	}})
}

func destructionCancelledFrame() []byte {
	return encodeFrame(map[string]destructionPayload{"destructionUpdate": {Cancelled: true}})
}

func roomDestroyedFrame() []byte {
	return encodeFrame(map[string]destructionPayload{"destructionUpdate": {RoomDestroyed: true}})
}

func pinUpdateFrame(messageID string, pinned bool, channel types.ChannelType) []byte {
	return encodeFrame(map[string]pinUpdatePayload{"pinUpdate": {
		MessageID: messageID,
		Pinned:    pinned,
		Channel:   channel,
	}})
}
