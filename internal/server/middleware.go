package server

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/roach88/fedlog/internal/wire"
)

const requestIDHeader = "X-Request-ID"

// requestID propagates or assigns a correlation ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Warn("http request failed", attrs...)
			return
		}
		s.logger.Debug("http request", attrs...)
	}
}

// loopbackOnly rejects clients that are not on a loopback address. The
// peer address is taken from the connection, never from headers.
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			c.AbortWithStatusJSON(http.StatusForbidden, wire.ErrorResponse{
				Error: "local API is restricted to loopback clients",
				Code:  wire.CodeForbidden,
			})
			return
		}
		c.Next()
	}
}
