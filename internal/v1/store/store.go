// Package store provides the durable state of one room, backed by an
// embedded SQLite database. Each room owns exactly one database file; the
// coordinator is the only writer.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/burrowchat/burrow/internal/v1/types"
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — messages
	`CREATE TABLE IF NOT EXISTS messages (
		message_id  TEXT PRIMARY KEY,
		timestamp   INTEGER NOT NULL,
		username    TEXT NOT NULL,
		text        TEXT NOT NULL,
		channel     TEXT NOT NULL DEFAULT 'general',
		reply_to_id TEXT,
		edited_at   INTEGER,
		created_at  INTEGER NOT NULL
	)`,
	// v2 — thread edges, one per reply
	`CREATE TABLE IF NOT EXISTS threads (
		parent_message_id TEXT NOT NULL,
		reply_message_id  TEXT NOT NULL,
		reply_timestamp   INTEGER NOT NULL,
		PRIMARY KEY (parent_message_id, reply_message_id)
	)`,
	// v3 — append-only edit history
	`CREATE TABLE IF NOT EXISTS edit_history (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		old_text   TEXT NOT NULL,
		edited_at  INTEGER NOT NULL
	)`,
	// v4 — room metadata key/value store
	`CREATE TABLE IF NOT EXISTS room_metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v5 — blob keys referenced by FILE: messages
	`CREATE TABLE IF NOT EXISTS file_references (
		message_id TEXT NOT NULL,
		file_key   TEXT NOT NULL,
		PRIMARY KEY (message_id, file_key)
	)`,
	// v6 — pinned messages
	`CREATE TABLE IF NOT EXISTS pins (
		message_id TEXT PRIMARY KEY,
		channel    TEXT NOT NULL,
		pinned_at  INTEGER NOT NULL
	)`,
	// v7 — indexes for range scans
	`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_parent ON threads(parent_message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_file_refs_message ON file_references(message_id)`,
	// v11 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps one room's SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; the coordinator serializes writes anyway.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("busy_timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
	}
	return nil
}

// Wipe drops every room table and reinitializes an empty schema. Used by
// room destruction.
func (s *Store) Wipe(ctx context.Context) error {
	for _, table := range []string{
		"messages", "threads", "edit_history", "room_metadata",
		"file_references", "pins", "schema_migrations",
	} {
		if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return s.migrate()
}

const messageColumns = `message_id, timestamp, username, text, channel,
	COALESCE(reply_to_id, ''), COALESCE(edited_at, 0), created_at`

func scanMessage(row interface{ Scan(...any) error }) (types.Message, error) {
	var m types.Message
	err := row.Scan(&m.MessageID, &m.Timestamp, &m.Username, &m.Text,
		&m.Channel, &m.ReplyToID, &m.EditedAt, &m.CreatedAt)
	return m, err
}

func collectMessages(rows *sql.Rows) ([]types.Message, error) {
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMessage persists one message row.
func (s *Store) InsertMessage(ctx context.Context, m types.Message) error {
	var replyTo any
	if m.ReplyToID != "" {
		replyTo = m.ReplyToID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(message_id, timestamp, username, text, channel, reply_to_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.Timestamp, m.Username, m.Text, m.Channel, replyTo, m.CreatedAt,
	)
	return err
}

// MessageByID returns one message, or types.ErrNotFound.
func (s *Store) MessageByID(ctx context.Context, id string) (types.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return types.Message{}, types.ErrNotFound
	}
	return m, err
}

// UpdateMessageText overwrites a message's text, recording the prior text
// in edit_history first. The two writes share one transaction.
func (s *Store) UpdateMessageText(ctx context.Context, id, newText string, editedAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var oldText string
	err = tx.QueryRowContext(ctx,
		`SELECT text FROM messages WHERE message_id = ?`, id).Scan(&oldText)
	if err == sql.ErrNoRows {
		return types.ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO edit_history(message_id, old_text, edited_at) VALUES(?, ?, ?)`,
		id, oldText, editedAt,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET text = ?, edited_at = ? WHERE message_id = ?`,
		newText, editedAt, id,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteMessage removes a message together with its edit history, thread
// edges (both roles), file references and pin. Replies to the message are
// kept; their reply_to_id dangles by design.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM edit_history WHERE message_id = ?`,
		`DELETE FROM threads WHERE parent_message_id = ?1 OR reply_message_id = ?1`,
		`DELETE FROM file_references WHERE message_id = ?`,
		`DELETE FROM pins WHERE message_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.ErrNotFound
	}

	return tx.Commit()
}

// MaxTimestamp returns the highest persisted timestamp, or 0 for an empty
// room. The coordinator uses it as the monotonic floor after a cold start.
func (s *Store) MaxTimestamp(ctx context.Context) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(timestamp), 0) FROM messages`).Scan(&ts)
	return ts, err
}

// Backlog returns the most recent limit messages in chronological order.
func (s *Store) Backlog(ctx context.Context, limit int) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// AllMessages returns every message in ascending chronological order.
func (s *Store) AllMessages(ctx context.Context) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages ORDER BY timestamp ASC`)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ChannelMessages returns the most recent limit messages of one channel,
// in chronological order.
func (s *Store) ChannelMessages(ctx context.Context, channel types.ChannelType, limit int) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE channel = ?
		 ORDER BY timestamp DESC LIMIT ?`, channel, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func reverse(msgs []types.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// Channels returns per-channel counts, most recently used first.
func (s *Store) Channels(ctx context.Context, limit int) ([]types.ChannelInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, COUNT(*), MAX(timestamp) FROM messages
		 GROUP BY channel ORDER BY MAX(timestamp) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectChannels(rows)
}

// SearchChannels returns per-channel counts for channels whose name starts
// with prefix, most recently used first.
func (s *Store) SearchChannels(ctx context.Context, prefix string, limit int) ([]types.ChannelInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, COUNT(*), MAX(timestamp) FROM messages
		 WHERE channel LIKE ? || '%'
		 GROUP BY channel ORDER BY MAX(timestamp) DESC LIMIT ?`, prefix, limit)
	if err != nil {
		return nil, err
	}
	return collectChannels(rows)
}

func collectChannels(rows *sql.Rows) ([]types.ChannelInfo, error) {
	defer rows.Close()

	var out []types.ChannelInfo
	for rows.Next() {
		var ci types.ChannelInfo
		if err := rows.Scan(&ci.Channel, &ci.Count, &ci.LastUsed); err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

// InsertThreadEdge records one parent→reply edge.
func (s *Store) InsertThreadEdge(ctx context.Context, parentID, replyID string, replyTimestamp int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads(parent_message_id, reply_message_id, reply_timestamp) VALUES(?, ?, ?)`,
		parentID, replyID, replyTimestamp,
	)
	return err
}

// ReplyCount returns the number of direct replies to a message.
func (s *Store) ReplyCount(ctx context.Context, parentID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM threads WHERE parent_message_id = ?`, parentID).Scan(&n)
	return n, err
}

// DirectReplies returns the direct replies to a message, ascending by
// timestamp.
func (s *Store) DirectReplies(ctx context.Context, parentID string) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE message_id IN (SELECT reply_message_id FROM threads WHERE parent_message_id = ?)
		 ORDER BY timestamp ASC`, parentID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// NestedReplies returns the transitive reply closure of a message up to
// maxDepth levels, ascending by timestamp. Messages form a DAG (a reply's
// parent always exists before the reply), so the walk terminates.
func (s *Store) NestedReplies(ctx context.Context, parentID string, maxDepth int) ([]types.Message, error) {
	seen := map[string]bool{parentID: true}
	frontier := []string{parentID}

	var all []types.Message
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			replies, err := s.DirectReplies(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, r := range replies {
				if seen[r.MessageID] {
					continue
				}
				seen[r.MessageID] = true
				all = append(all, r)
				next = append(next, r.MessageID)
			}
		}
		frontier = next
	}

	sortByTimestamp(all)
	return all, nil
}

func sortByTimestamp(msgs []types.Message) {
	// Insertion sort: reply sets are small and mostly ordered already.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].Timestamp > msgs[j].Timestamp; j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}

// EditHistory returns the append-only edit log of one message, oldest
// first.
func (s *Store) EditHistory(ctx context.Context, messageID string) ([]types.EditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, old_text, edited_at FROM edit_history
		 WHERE message_id = ? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.EditRecord
	for rows.Next() {
		var e types.EditRecord
		if err := rows.Scan(&e.MessageID, &e.OldText, &e.EditedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetMeta returns the value stored under key. The second return value is
// false when the key does not exist.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM room_metadata WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetMeta upserts key → value in room_metadata.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_metadata(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// DeleteMeta removes a metadata key. Deleting an absent key is a no-op.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_metadata WHERE key = ?`, key)
	return err
}

// InsertFileReference records a blob key referenced by a FILE: message.
func (s *Store) InsertFileReference(ctx context.Context, messageID, fileKey string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO file_references(message_id, file_key) VALUES(?, ?)`,
		messageID, fileKey,
	)
	return err
}

// FileKeys returns every referenced blob key. Used by room destruction to
// enumerate blobs to delete.
func (s *Store) FileKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT file_key FROM file_references`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// InsertPin pins a message within a channel. Pinning twice refreshes the
// pin time.
func (s *Store) InsertPin(ctx context.Context, messageID string, channel types.ChannelType, pinnedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pins(message_id, channel, pinned_at) VALUES(?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET channel = excluded.channel, pinned_at = excluded.pinned_at`,
		messageID, channel, pinnedAt,
	)
	return err
}

// DeletePin unpins a message. Unpinning an unpinned message is a no-op.
func (s *Store) DeletePin(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pins WHERE message_id = ?`, messageID)
	return err
}

// Pins returns pins, newest first, optionally filtered by channel.
func (s *Store) Pins(ctx context.Context, channel types.ChannelType) ([]types.Pin, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if channel != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT message_id, channel, pinned_at FROM pins WHERE channel = ? ORDER BY pinned_at DESC`,
			channel)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT message_id, channel, pinned_at FROM pins ORDER BY pinned_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Pin
	for rows.Next() {
		var p types.Pin
		if err := rows.Scan(&p.MessageID, &p.Channel, &p.PinnedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Counts returns the row counts of every room table. Used by tests and the
// export path's sanity logging.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, table := range []string{
		"messages", "threads", "edit_history", "room_metadata",
		"file_references", "pins",
	} {
		var n int64
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
