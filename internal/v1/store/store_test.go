package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowchat/burrow/internal/v1/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(id string, ts int64, username, text string, channel types.ChannelType) types.Message {
	return types.Message{
		MessageID: id,
		Timestamp: ts,
		Username:  types.UsernameType(username),
		Text:      text,
		Channel:   channel,
		CreatedAt: ts,
	}
}

func TestInsertAndGetMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := msg("m1", 1000, "alice", "hi", "general")
	require.NoError(t, s.InsertMessage(ctx, m))

	got, err := s.MessageByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = s.MessageByID(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestInsertMessage_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMessage(ctx, msg("m1", 1000, "alice", "hi", "general")))
	assert.Error(t, s.InsertMessage(ctx, msg("m1", 1001, "bob", "again", "general")))
}

func TestUpdateMessageText_RecordsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMessage(ctx, msg("m1", 1000, "alice", "original", "general")))
	require.NoError(t, s.UpdateMessageText(ctx, "m1", "edited", 2000))

	got, err := s.MessageByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Text)
	assert.Equal(t, int64(2000), got.EditedAt)

	history, err := s.EditHistory(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "original", history[0].OldText)
	assert.Equal(t, int64(2000), history[0].EditedAt)

	assert.ErrorIs(t, s.UpdateMessageText(ctx, "ghost", "x", 1), types.ErrNotFound)
}

func TestDeleteMessage_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMessage(ctx, msg("parent", 1000, "alice", "root", "general")))
	reply := msg("reply", 1001, "bob", "re", "general")
	reply.ReplyToID = "parent"
	require.NoError(t, s.InsertMessage(ctx, reply))
	require.NoError(t, s.InsertThreadEdge(ctx, "parent", "reply", 1001))
	require.NoError(t, s.UpdateMessageText(ctx, "parent", "root v2", 1500))
	require.NoError(t, s.InsertFileReference(ctx, "parent", "blob-key"))
	require.NoError(t, s.InsertPin(ctx, "parent", "general", 1200))

	require.NoError(t, s.DeleteMessage(ctx, "parent"))

	_, err := s.MessageByID(ctx, "parent")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Dependents are gone in every role.
	history, err := s.EditHistory(ctx, "parent")
	require.NoError(t, err)
	assert.Empty(t, history)

	n, err := s.ReplyCount(ctx, "parent")
	require.NoError(t, err)
	assert.Zero(t, n)

	keys, err := s.FileKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	pins, err := s.Pins(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pins)

	// The reply survives with a dangling reply_to_id.
	got, err := s.MessageByID(ctx, "reply")
	require.NoError(t, err)
	assert.Equal(t, "parent", got.ReplyToID)

	assert.ErrorIs(t, s.DeleteMessage(ctx, "parent"), types.ErrNotFound)
}

func TestDeleteMessage_ReplyRemovesEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMessage(ctx, msg("parent", 1000, "alice", "root", "general")))
	reply := msg("reply", 1001, "bob", "re", "general")
	reply.ReplyToID = "parent"
	require.NoError(t, s.InsertMessage(ctx, reply))
	require.NoError(t, s.InsertThreadEdge(ctx, "parent", "reply", 1001))

	require.NoError(t, s.DeleteMessage(ctx, "reply"))

	n, err := s.ReplyCount(ctx, "parent")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestThreadReplies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMessage(ctx, msg("root", 1000, "alice", "root", "general")))
	for i, parent := range []string{"root", "r1", "r2"} {
		id := fmt.Sprintf("r%d", i+1)
		m := msg(id, int64(1001+i), "bob", "reply "+id, "general")
		m.ReplyToID = parent
		require.NoError(t, s.InsertMessage(ctx, m))
		require.NoError(t, s.InsertThreadEdge(ctx, parent, id, m.Timestamp))
	}

	direct, err := s.DirectReplies(ctx, "root")
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, "r1", direct[0].MessageID)

	nested, err := s.NestedReplies(ctx, "root", types.MaxThreadDepth)
	require.NoError(t, err)
	require.Len(t, nested, 3)
	assert.Equal(t, "r1", nested[0].MessageID)
	assert.Equal(t, "r3", nested[2].MessageID)

	// Depth 2 stops before r3.
	shallow, err := s.NestedReplies(ctx, "root", 2)
	require.NoError(t, err)
	assert.Len(t, shallow, 2)
}

func TestNestedReplies_DepthBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Chain of 15 replies; only the first MaxThreadDepth levels come back.
	require.NoError(t, s.InsertMessage(ctx, msg("n0", 1000, "alice", "root", "general")))
	for i := 1; i <= 15; i++ {
		id := fmt.Sprintf("n%d", i)
		parent := fmt.Sprintf("n%d", i-1)
		m := msg(id, int64(1000+i), "bob", "x", "general")
		m.ReplyToID = parent
		require.NoError(t, s.InsertMessage(ctx, m))
		require.NoError(t, s.InsertThreadEdge(ctx, parent, id, m.Timestamp))
	}

	nested, err := s.NestedReplies(ctx, "n0", types.MaxThreadDepth)
	require.NoError(t, err)
	assert.Len(t, nested, types.MaxThreadDepth)
}

func TestChannelMessages_RecentChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.InsertMessage(ctx,
			msg(fmt.Sprintf("m%d", i), int64(1000+i), "alice", "x", "dev")))
	}
	require.NoError(t, s.InsertMessage(ctx, msg("other", 5000, "bob", "y", "general")))

	msgs, err := s.ChannelMessages(ctx, "dev", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// Most recent three, oldest first.
	assert.Equal(t, "m7", msgs[0].MessageID)
	assert.Equal(t, "m9", msgs[2].MessageID)
}

func TestChannels_OrderAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMessage(ctx, msg("a", 1000, "alice", "x", "general")))
	require.NoError(t, s.InsertMessage(ctx, msg("b", 2000, "alice", "x", "dev")))
	require.NoError(t, s.InsertMessage(ctx, msg("c", 3000, "alice", "x", "dev")))
	require.NoError(t, s.InsertMessage(ctx, msg("d", 4000, "alice", "x", "design")))

	channels, err := s.Channels(ctx, 100)
	require.NoError(t, err)
	require.Len(t, channels, 3)
	assert.Equal(t, types.ChannelType("design"), channels[0].Channel)
	assert.Equal(t, types.ChannelType("dev"), channels[1].Channel)
	assert.Equal(t, int64(2), channels[1].Count)
	assert.Equal(t, int64(3000), channels[1].LastUsed)

	found, err := s.SearchChannels(ctx, "de", 20)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, types.ChannelType("design"), found[0].Channel)
}

func TestBacklogAndMaxTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts, err := s.MaxTimestamp(ctx)
	require.NoError(t, err)
	assert.Zero(t, ts)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertMessage(ctx,
			msg(fmt.Sprintf("m%d", i), int64(1000+i), "alice", "x", "general")))
	}

	ts, err = s.MaxTimestamp(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1004), ts)

	backlog, err := s.Backlog(ctx, 3)
	require.NoError(t, err)
	require.Len(t, backlog, 3)
	assert.Equal(t, "m2", backlog[0].MessageID)
	assert.Equal(t, "m4", backlog[2].MessageID)
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetMeta(ctx, types.MetaKeyName)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetMeta(ctx, types.MetaKeyName, "lounge"))
	require.NoError(t, s.SetMeta(ctx, types.MetaKeyName, "the lounge"))

	val, ok, err := s.GetMeta(ctx, types.MetaKeyName)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "the lounge", val)

	require.NoError(t, s.DeleteMeta(ctx, types.MetaKeyName))
	_, ok, err = s.GetMeta(ctx, types.MetaKeyName)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key is a no-op.
	require.NoError(t, s.DeleteMeta(ctx, types.MetaKeyName))
}

func TestPins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertPin(ctx, "m1", "general", 1000))
	require.NoError(t, s.InsertPin(ctx, "m2", "dev", 2000))
	require.NoError(t, s.InsertPin(ctx, "m1", "general", 3000)) // refresh

	pins, err := s.Pins(ctx, "")
	require.NoError(t, err)
	require.Len(t, pins, 2)
	assert.Equal(t, "m1", pins[0].MessageID)

	devPins, err := s.Pins(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, devPins, 1)
	assert.Equal(t, "m2", devPins[0].MessageID)

	require.NoError(t, s.DeletePin(ctx, "m1"))
	pins, err = s.Pins(ctx, "")
	require.NoError(t, err)
	assert.Len(t, pins, 1)
}

func TestWipe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMessage(ctx, msg("m1", 1000, "alice", "x", "general")))
	require.NoError(t, s.InsertThreadEdge(ctx, "m1", "m2", 1001))
	require.NoError(t, s.SetMeta(ctx, types.MetaKeyDestructionTime, "12345"))
	require.NoError(t, s.InsertFileReference(ctx, "m1", "k"))
	require.NoError(t, s.InsertPin(ctx, "m1", "general", 1000))

	require.NoError(t, s.Wipe(ctx))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	for table, n := range counts {
		assert.Zero(t, n, "table %s should be empty", table)
	}

	// Schema is usable again after a wipe.
	require.NoError(t, s.InsertMessage(ctx, msg("m1", 1000, "alice", "x", "general")))
}
