// Package middleware contains gin middleware for the HTTP surface.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/burrowchat/burrow/internal/v1/logging"
)

// HeaderXCorrelationID carries the request correlation ID in both
// directions.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID stamps every request with a correlation ID (the
// caller's, or a fresh one) and threads it through the request context
// so the logging package emits it on every line. Requests inside a room
// group also carry the room name as a context field.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderXCorrelationID, id)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id)
		if name := c.Param("name"); name != "" {
			ctx = context.WithValue(ctx, logging.RoomIDKey, name)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
