package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextOwnerKey stores the requesting owner id on the Gin context.
	ContextOwnerKey = "reportdesk/owner"

	ownerHeader = "X-User-Id"
	ownerQuery  = "user_id"
)

// Owner resolves the optional owner scope from the X-User-Id header or
// the user_id query parameter. Absent means the public scope; a value
// that is not a positive integer is rejected.
func Owner() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(ownerHeader))
		if raw == "" {
			raw = strings.TrimSpace(c.Query(ownerQuery))
		}
		if raw == "" {
			c.Next()
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
			return
		}
		c.Set(ContextOwnerKey, id)
		c.Next()
	}
}

// OwnerFromContext returns the owner set by Owner, nil for the public
// scope.
func OwnerFromContext(c *gin.Context) *int64 {
	if v, ok := c.Get(ContextOwnerKey); ok {
		if id, ok := v.(int64); ok {
			return &id
		}
	}
	return nil
}

// CORS adds permissive CORS headers to all responses to support requests
// served from a different origin. It mirrors the Origin header to support
// credentialed requests and terminates preflight checks early.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}
		c.Writer.Header().Set("Vary", "Origin")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept, Origin, X-Requested-With, X-User-Id")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}

		c.Next()
	}
}
