package types

import (
	"context"
	"errors"
	"strings"
)

// --- Core Domain Types ---

// RoomIDType is the stable identity of a room: 64 lowercase hex characters.
type RoomIDType string

// UsernameType is a self-declared, unverified sender name.
type UsernameType string

// ChannelType is a lightweight message tag used for grouping and counting.
type ChannelType string

// Limits enforced by the coordinator.
const (
	MaxUsernameLen = 32
	MaxMessageLen  = 6000
	MaxChannelLen  = 100
	MaxRoomNameLen = 32

	DefaultChannel ChannelType = "general"

	// Upload cap for multipart file bodies.
	MaxUploadBytes = 10 << 20

	// Self-destruction countdown bounds, in seconds.
	MinCountdownSeconds = 10
	MaxCountdownSeconds = 86400

	// Transitive reply traversal depth for nested thread queries.
	MaxThreadDepth = 10
)

// FilePrefix marks a message payload carrying a file reference:
// FILE:<url>|<name>|<mime>. The server interprets nothing else about
// message text.
const FilePrefix = "FILE:"

// --- Error Taxonomy ---

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
)

// ClientError pairs a sentinel with the exact text surfaced to clients.
// errors.Is against the sentinel drives status-code mapping; Error()
// is what ends up in the response body or {error} frame.
type ClientError struct {
	Sentinel error
	Message  string
}

func (e *ClientError) Error() string { return e.Message }
func (e *ClientError) Unwrap() error { return e.Sentinel }

// NewClientError builds a ClientError around one of the sentinels above.
func NewClientError(sentinel error, msg string) error {
	return &ClientError{Sentinel: sentinel, Message: msg}
}

// --- Persisted Entities ---

// Message is the primary persisted record of a room.
type Message struct {
	MessageID string       `json:"messageId"`
	Timestamp int64        `json:"timestamp"`
	Username  UsernameType `json:"username"`
	Text      string       `json:"text"`
	Channel   ChannelType  `json:"channel"`
	ReplyToID string       `json:"replyToId,omitempty"`
	EditedAt  int64        `json:"editedAt,omitempty"`
	CreatedAt int64        `json:"createdAt"`
}

// IsFile reports whether the message text carries a file sentinel.
func (m Message) IsFile() bool {
	return strings.HasPrefix(m.Text, FilePrefix)
}

// ParseFileKey extracts the blob key from a FILE: sentinel of the form
// FILE:<url>|<name>|<mime>, where <url> is /files/<key>. The second return
// value is false when the sentinel is malformed.
func ParseFileKey(text string) (string, bool) {
	if !strings.HasPrefix(text, FilePrefix) {
		return "", false
	}
	parts := strings.Split(strings.TrimPrefix(text, FilePrefix), "|")
	if len(parts) < 3 {
		return "", false
	}
	url := parts[0]
	if i := strings.LastIndex(url, "/"); i >= 0 {
		url = url[i+1:]
	}
	if url == "" {
		return "", false
	}
	return url, true
}

// ChannelInfo is one row of a channel taxonomy listing.
type ChannelInfo struct {
	Channel  ChannelType `json:"channel"`
	Count    int64       `json:"count"`
	LastUsed int64       `json:"lastUsed"`
}

// EditRecord is one append-only row of a message's edit history.
type EditRecord struct {
	MessageID string `json:"messageId"`
	OldText   string `json:"oldText"`
	EditedAt  int64  `json:"editedAt"`
}

// Pin marks a message as highlighted within a channel. Independent of
// message storage: unpinning removes the pin, never the message.
type Pin struct {
	MessageID string      `json:"messageId"`
	Channel   ChannelType `json:"channel"`
	PinnedAt  int64       `json:"pinnedAt"`
}

// RoomInfo is the recognized subset of the room metadata map.
type RoomInfo struct {
	Name string `json:"name"`
	Note string `json:"note"`
}

// Metadata keys recognized by the coordinator. Unrecognized keys are
// stored but ignored.
const (
	MetaKeyName            = "name"
	MetaKeyNote            = "note"
	MetaKeyDestructionTime = "destruction-time"
)

// --- Wire Frames ---

// ClientFrame is a client-to-server frame: either a handshake ({name})
// while the session is unnamed, or an authored message afterwards.
type ClientFrame struct {
	Name      string       `json:"name,omitempty"`
	Message   string       `json:"message,omitempty"`
	MessageID string       `json:"messageId,omitempty"`
	ReplyTo   *ReplyRef    `json:"replyTo,omitempty"`
	Channel   ChannelType  `json:"channel,omitempty"`
	Username  UsernameType `json:"-"`
}

// ReplyRef points an authored message at its thread parent.
type ReplyRef struct {
	MessageID string       `json:"messageId"`
	Username  UsernameType `json:"username,omitempty"`
	Preview   string       `json:"preview,omitempty"`
}

// ThreadInfo carries denormalized reply statistics for a parent message.
type ThreadInfo struct {
	ReplyCount int64 `json:"replyCount"`
}

// ValidateHandshake checks the first frame of a session.
func (f ClientFrame) ValidateHandshake() error {
	if f.Name == "" {
		return ErrInvalidArgument
	}
	return nil
}

// TruncateName clamps a self-declared username to the allowed length.
func TruncateName(name string) UsernameType {
	if len(name) > MaxUsernameLen {
		name = name[:MaxUsernameLen]
	}
	return UsernameType(name)
}

// ClientInterface defines the behavior the coordinator requires from a
// connected session. The transport layer and test mocks both implement it.
type ClientInterface interface {
	// GetUsername returns the declared name, or "" while unnamed.
	GetUsername() UsernameType
	SetUsername(name UsernameType)

	// GetSourceKey returns the rate-limiter sharding key, typically the
	// client IP. It survives reconnects from the same source.
	GetSourceKey() string

	// SendRaw enqueues pre-serialized bytes for delivery. It returns
	// false when the session can no longer accept frames, which the
	// coordinator treats as a dead peer.
	SendRaw(data []byte) bool

	// Disconnect closes the session with a human-readable status.
	// Safe to call more than once.
	Disconnect(reason string)
}

// Roomer defines the coordinator behavior the transport layer depends
// on. Breaking the direct dependency keeps transport testable with a
// mock room.
type Roomer interface {
	HandleClientConnect(client ClientInterface)
	HandleClientDisconnect(client ClientInterface)
	HandleFrame(ctx context.Context, client ClientInterface, data []byte)
}

// RoomExport is the administrative dump returned by the export endpoint.
type RoomExport struct {
	RoomInfo RoomInfo  `json:"roomInfo"`
	Messages []Message `json:"messages"`
}

// UploadResult describes one stored blob, echoed back to the uploader.
type UploadResult struct {
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}
