package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"settlement-api/internal/response"

	"github.com/gin-gonic/gin"
)

// Context keys set by the middleware in this package.
const (
	ContextUserID      = "user_id"
	ContextRequestTime = "request_time"
)

// AdminAuth guards the administrative routes with a shared API key. An empty
// key disables the admin surface entirely.
func AdminAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			response.ErrorJSON(c, http.StatusForbidden, "Admin API is disabled")
			c.Abort()
			return
		}

		// Get API key
		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = c.Query("api_key")
		}

		if key == "" {
			response.ErrorJSON(c, http.StatusUnauthorized, "Missing api_key")
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			response.ErrorJSON(c, http.StatusUnauthorized, "Invalid api_key")
			c.Abort()
			return
		}

		c.Set(ContextRequestTime, time.Now())
		c.Next()
	}
}

// RequireUser reads the authenticated buyer id placed in X-User-ID by the
// upstream session layer.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-User-ID")
		id, err := strconv.ParseUint(raw, 10, 64)
		if raw == "" || err != nil || id == 0 {
			response.ErrorJSON(c, http.StatusUnauthorized, "Missing or invalid user")
			c.Abort()
			return
		}

		c.Set(ContextUserID, uint(id))
		c.Set(ContextRequestTime, time.Now())
		c.Next()
	}
}

// UserID returns the buyer id set by RequireUser.
func UserID(c *gin.Context) uint {
	id, _ := c.Get(ContextUserID)
	uid, _ := id.(uint)
	return uid
}
