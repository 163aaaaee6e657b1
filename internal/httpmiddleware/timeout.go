package httpmiddleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

// StorageDeadline caps every request's storage work with one deadline. Repos
// inherit it through the request context, so a wedged query surfaces as a
// 503 instead of a hung connection.
func StorageDeadline(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
