package room

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowchat/burrow/internal/v1/types"
)

func lastFrame(t *testing.T, c *MockClient) []byte {
	t.Helper()
	frames := c.Frames()
	require.NotEmpty(t, frames)
	return frames[len(frames)-1]
}

func requireClientErr(t *testing.T, err error, sentinel error, message string) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, sentinel)
	var clientErr *types.ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, message, clientErr.Message)
}

func TestEditMessage(t *testing.T) {
	r, _ := newTestRoom(t)
	ctx := context.Background()

	alice := handshake(t, r, "alice")
	sendMessage(r, alice, `{"message":"original","messageId":"m1"}`)

	require.NoError(t, r.EditMessage(ctx, "m1", "alice", "revised"))

	var frame map[string]editedPayload
	require.NoError(t, json.Unmarshal(lastFrame(t, alice), &frame))
	edited := frame["messageEdited"]
	assert.Equal(t, "m1", edited.MessageID)
	assert.Equal(t, "revised", edited.Message)
	assert.Positive(t, edited.EditedAt)

	stored, err := r.store.MessageByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "revised", stored.Text)
	assert.Equal(t, edited.EditedAt, stored.EditedAt)

	history, err := r.store.EditHistory(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "original", history[0].OldText)
}

func TestEditMessage_Rejections(t *testing.T) {
	r, _ := newTestRoom(t)
	ctx := context.Background()

	alice := handshake(t, r, "alice")
	sendMessage(r, alice, `{"message":"text body","messageId":"m1"}`)
	sendMessage(r, alice, `{"message":"FILE:/files/k1|pic.png|image/png","messageId":"f1"}`)

	requireClientErr(t, r.EditMessage(ctx, "m1", "alice", ""),
		types.ErrInvalidArgument, "Message required")
	requireClientErr(t, r.EditMessage(ctx, "m1", "alice", strings.Repeat("x", types.MaxMessageLen+1)),
		types.ErrInvalidArgument, "Message too long")
	requireClientErr(t, r.EditMessage(ctx, "missing", "alice", "new"),
		types.ErrNotFound, "Message not found")
	requireClientErr(t, r.EditMessage(ctx, "m1", "mallory", "new"),
		types.ErrForbidden, "You can only edit your own messages")
	requireClientErr(t, r.EditMessage(ctx, "f1", "alice", "new"),
		types.ErrConflict, "Cannot edit file messages")

	stored, err := r.store.MessageByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "text body", stored.Text)
}

func TestDeleteMessage(t *testing.T) {
	r, _ := newTestRoom(t)
	ctx := context.Background()

	alice := handshake(t, r, "alice")
	bob := handshake(t, r, "bob")
	sendMessage(r, alice, `{"message":"doomed","messageId":"m1"}`)

	requireClientErr(t, r.DeleteMessage(ctx, "m1", "mallory"),
		types.ErrForbidden, "You can only delete your own messages")
	requireClientErr(t, r.DeleteMessage(ctx, "missing", "alice"),
		types.ErrNotFound, "Message not found")

	require.NoError(t, r.DeleteMessage(ctx, "m1", "alice"))
	assert.JSONEq(t, `{"messageDeleted":"m1"}`, string(lastFrame(t, bob)))

	_, err := r.store.MessageByID(ctx, "m1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestThreadReplies(t *testing.T) {
	r, _ := newTestRoom(t)
	ctx := context.Background()

	alice := handshake(t, r, "alice")
	sendMessage(r, alice, `{"message":"root","messageId":"m1"}`)
	sendMessage(r, alice, `{"message":"child","messageId":"m2","replyTo":{"messageId":"m1"}}`)
	sendMessage(r, alice, `{"message":"grandchild","messageId":"m3","replyTo":{"messageId":"m2"}}`)

	_, err := r.ThreadReplies(ctx, "missing", false)
	requireClientErr(t, err, types.ErrNotFound, "Message not found")

	direct, err := r.ThreadReplies(ctx, "m1", false)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, "m2", direct[0].MessageID)

	nested, err := r.ThreadReplies(ctx, "m1", true)
	require.NoError(t, err)
	require.Len(t, nested, 2)
	assert.Equal(t, "m2", nested[0].MessageID)
	assert.Equal(t, "m3", nested[1].MessageID)
}

func TestChannelListingAndSearch(t *testing.T) {
	r, _ := newTestRoom(t)
	ctx := context.Background()

	alice := handshake(t, r, "alice")
	sendMessage(r, alice, `{"message":"a","channel":"general"}`)
	sendMessage(r, alice, `{"message":"b","channel":"random"}`)
	sendMessage(r, alice, `{"message":"c","channel":"random"}`)

	channels, err := r.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, types.ChannelType("random"), channels[0].Channel)
	assert.Equal(t, int64(2), channels[0].Count)

	found, err := r.SearchChannels(ctx, "ran")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, types.ChannelType("random"), found[0].Channel)

	msgs, err := r.ChannelMessages(ctx, "random", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].Text)
	assert.Equal(t, "c", msgs[1].Text)
}

func TestUpdateInfo(t *testing.T) {
	r, _ := newTestRoom(t)
	ctx := context.Background()

	alice := handshake(t, r, "alice")

	name := "standup"
	note := "daily sync"
	info, err := r.UpdateInfo(ctx, &name, &note)
	require.NoError(t, err)
	assert.Equal(t, "standup", info.Name)
	assert.Equal(t, "daily sync", info.Note)

	var frame map[string]types.RoomInfo
	require.NoError(t, json.Unmarshal(lastFrame(t, alice), &frame))
	assert.Equal(t, info, frame["roomInfoUpdate"])

	// nil pointer leaves the field untouched.
	newNote := "moved to 10am"
	info, err = r.UpdateInfo(ctx, nil, &newNote)
	require.NoError(t, err)
	assert.Equal(t, "standup", info.Name)
	assert.Equal(t, "moved to 10am", info.Note)

	tooLong := strings.Repeat("n", types.MaxRoomNameLen+1)
	_, err = r.UpdateInfo(ctx, &tooLong, nil)
	requireClientErr(t, err, types.ErrInvalidArgument, "Room name too long")

	got, err := r.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "standup", got.Name)
}

func TestExport(t *testing.T) {
	r, _ := newTestRoom(t)
	ctx := context.Background()

	export, err := r.Export(ctx)
	require.NoError(t, err)
	require.NotNil(t, export.Messages)
	assert.Empty(t, export.Messages)

	alice := handshake(t, r, "alice")
	sendMessage(r, alice, `{"message":"one"}`)
	sendMessage(r, alice, `{"message":"two"}`)
	name := "archive"
	_, err = r.UpdateInfo(ctx, &name, nil)
	require.NoError(t, err)

	export, err = r.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, "archive", export.RoomInfo.Name)
	require.Len(t, export.Messages, 2)
	assert.Equal(t, "one", export.Messages[0].Text)
}

func TestPins(t *testing.T) {
	r, _ := newTestRoom(t)
	ctx := context.Background()

	alice := handshake(t, r, "alice")
	sendMessage(r, alice, `{"message":"important","messageId":"m1","channel":"random"}`)

	requireClientErr(t, r.Pin(ctx, "missing", ""), types.ErrNotFound, "Message not found")

	// Empty channel defaults to the message's own channel.
	require.NoError(t, r.Pin(ctx, "m1", ""))

	var frame map[string]pinUpdatePayload
	require.NoError(t, json.Unmarshal(lastFrame(t, alice), &frame))
	assert.Equal(t, pinUpdatePayload{MessageID: "m1", Pinned: true, Channel: "random"}, frame["pinUpdate"])

	pins, err := r.Pins(ctx, "")
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, "m1", pins[0].MessageID)

	pins, err = r.Pins(ctx, "other")
	require.NoError(t, err)
	require.NotNil(t, pins)
	assert.Empty(t, pins)

	require.NoError(t, r.Unpin(ctx, "m1"))
	require.NoError(t, r.Unpin(ctx, "m1")) // idempotent

	pins, err = r.Pins(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pins)
}
