package hub

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/burrowchat/burrow/internal/v1/logging"
	"github.com/burrowchat/burrow/internal/v1/ratelimit"
	"github.com/burrowchat/burrow/internal/v1/room"
	"github.com/burrowchat/burrow/internal/v1/types"
)

// writeError maps the sentinel taxonomy onto HTTP statuses. Anything
// unrecognized is an internal error and keeps its details out of the
// response.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrInvalidArgument), errors.Is(err, types.ErrConflict):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logging.Error(c.Request.Context(), "Internal error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// roomFromPath resolves the :name segment to a resident coordinator.
func (h *Hub) roomFromPath(c *gin.Context) (*room.Room, bool) {
	roomID, err := resolveRoomID(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	r, err := h.getOrCreateRoom(roomID)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return r, true
}

// CreateRoom allocates a private room identity. No state is written
// until the first message arrives.
func (h *Hub) CreateRoom(c *gin.Context) {
	id, err := AllocateRoomID()
	if err != nil {
		writeError(c, err)
		return
	}
	c.String(http.StatusOK, string(id))
}

// Upload accepts one multipart file up to 10 MB and stores it in the
// blob store under a fresh opaque key.
func (h *Hub) Upload(c *gin.Context) {
	if _, ok := h.roomFromPath(c); !ok {
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		writeError(c, types.NewClientError(types.ErrInvalidArgument, "No file provided"))
		return
	}
	defer file.Close()

	if header.Size > types.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large (max 10 MB)"})
		return
	}

	contentType := header.Header.Get("Content-Type")
	key := uuid.NewString()

	size, err := h.blobs.Put(c.Request.Context(), key, file, contentType)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, types.UploadResult{
		FileURL:  "/files/" + key,
		FileName: header.Filename,
		FileType: contentType,
		FileSize: size,
	})
}

// GetFile streams a blob back with long-lived caching: keys are opaque
// and content under a key never changes.
func (h *Hub) GetFile(c *gin.Context) {
	obj, err := h.blobs.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer obj.Body.Close()

	c.Header("Cache-Control", "public, max-age=31536000")
	c.DataFromReader(http.StatusOK, obj.Size, obj.ContentType, obj.Body, nil)
}

// Channels lists the room's channels with message counts.
func (h *Hub) Channels(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}
	channels, err := r.Channels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if channels == nil {
		channels = []types.ChannelInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// ChannelMessages returns recent messages in one channel.
func (h *Hub) ChannelMessages(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(c, types.NewClientError(types.ErrInvalidArgument, "Invalid limit"))
			return
		}
		limit = n
	}

	msgs, err := r.ChannelMessages(c.Request.Context(), types.ChannelType(c.Param("channel")), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SearchChannels filters channels by name prefix.
func (h *Hub) SearchChannels(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}
	channels, err := r.SearchChannels(c.Request.Context(), c.Query("q"))
	if err != nil {
		writeError(c, err)
		return
	}
	if channels == nil {
		channels = []types.ChannelInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// Thread returns a message's replies, nested when ?nested=true.
func (h *Hub) Thread(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}
	nested := c.Query("nested") == "true"
	msgs, err := r.ThreadReplies(c.Request.Context(), c.Param("mid"), nested)
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"replies": msgs})
}

type ownershipBody struct {
	Username string `json:"username"`
}

// DeleteMessage removes a message if the request body names its author.
func (h *Hub) DeleteMessage(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}

	var body ownershipBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Username == "" {
		writeError(c, types.NewClientError(types.ErrInvalidArgument, "Username required"))
		return
	}

	if err := r.DeleteMessage(c.Request.Context(), c.Param("mid"), types.UsernameType(body.Username)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type editBody struct {
	Username   string `json:"username"`
	NewMessage string `json:"newMessage"`
}

// EditMessage rewrites a message's text if the request body names its
// author.
func (h *Hub) EditMessage(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}

	var body editBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Username == "" {
		writeError(c, types.NewClientError(types.ErrInvalidArgument, "Username required"))
		return
	}

	if err := r.EditMessage(c.Request.Context(), c.Param("mid"), types.UsernameType(body.Username), body.NewMessage); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetInfo returns the room's display name and note.
func (h *Hub) GetInfo(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}
	info, err := r.GetInfo(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type infoBody struct {
	Name *string `json:"name"`
	Note *string `json:"note"`
}

// PutInfo upserts the room's display name and note.
func (h *Hub) PutInfo(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}

	var body infoBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, types.NewClientError(types.ErrInvalidArgument, "Invalid body"))
		return
	}

	info, err := r.UpdateInfo(c.Request.Context(), body.Name, body.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type destructionBody struct {
	CountdownSeconds int64 `json:"countdownSeconds"`
}

// StartDestruction schedules the room's self-destruction.
func (h *Hub) StartDestruction(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}

	var body destructionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, types.NewClientError(types.ErrInvalidArgument, "Invalid body"))
		return
	}

	destructionTime, err := r.StartDestruction(c.Request.Context(), body.CountdownSeconds)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"destructionTime": destructionTime})
}

// CancelDestruction clears a scheduled destruction.
func (h *Hub) CancelDestruction(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}
	if err := r.CancelDestruction(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Export returns the full administrative dump of the room.
func (h *Hub) Export(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}
	export, err := r.Export(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, export)
}

type pinBody struct {
	Channel string `json:"channel"`
}

// PinMessage highlights a message within a channel.
func (h *Hub) PinMessage(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}

	var body pinBody
	_ = c.ShouldBindJSON(&body) // channel is optional

	if err := r.Pin(c.Request.Context(), c.Param("mid"), types.ChannelType(body.Channel)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UnpinMessage removes a pin. Idempotent.
func (h *Hub) UnpinMessage(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}
	if err := r.Unpin(c.Request.Context(), c.Param("mid")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListPins lists pinned messages, optionally filtered by ?channel=.
func (h *Hub) ListPins(c *gin.Context) {
	r, ok := h.roomFromPath(c)
	if !ok {
		return
	}
	pins, err := r.Pins(c.Request.Context(), types.ChannelType(c.Query("channel")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pins": pins})
}

// RegisterRoutes wires the public HTTP surface onto router. The rooms
// and uploads groups carry their own per-IP limits on top of the global
// one.
func (h *Hub) RegisterRoutes(router *gin.Engine, limiter *ratelimit.HTTPLimiter) {
	api := router.Group("/api")

	api.POST("/room", limiter.MiddlewareForEndpoint("rooms"), h.CreateRoom)

	roomGroup := api.Group("/room/:name", limiter.MiddlewareForEndpoint("rooms"))
	{
		roomGroup.GET("/websocket", h.ServeWs)
		roomGroup.POST("/upload", limiter.MiddlewareForEndpoint("uploads"), h.Upload)
		roomGroup.GET("/channels", h.Channels)
		roomGroup.GET("/channel/search", h.SearchChannels)
		roomGroup.GET("/channel/:channel/messages", h.ChannelMessages)
		roomGroup.GET("/thread/:mid", h.Thread)
		roomGroup.DELETE("/message/:mid", h.DeleteMessage)
		roomGroup.PUT("/message/:mid", h.EditMessage)
		roomGroup.GET("/info", h.GetInfo)
		roomGroup.PUT("/info", h.PutInfo)
		roomGroup.POST("/destruction/start", h.StartDestruction)
		roomGroup.POST("/destruction/cancel", h.CancelDestruction)
		roomGroup.GET("/export", h.Export)
		roomGroup.POST("/pin/:mid", h.PinMessage)
		roomGroup.DELETE("/pin/:mid", h.UnpinMessage)
		roomGroup.GET("/pins", h.ListPins)
	}

	router.GET("/files/:key", h.GetFile)
}
