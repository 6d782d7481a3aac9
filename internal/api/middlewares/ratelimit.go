// internal/api/middlewares/ratelimit.go
// API 限流中介軟體 - 以來源 IP 為單位的固定視窗計數

package middlewares

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"mail-relay/internal/services"
)

// RateLimit 限流中介軟體
// 計數儲存層故障時拒絕請求 (fail-closed), 不得默認放行
func RateLimit(limiter *services.RateLimitService) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := limiter.Check(c.Request.Context(), "api", c.ClientIP())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "rate_limit_unavailable",
				"message": "Rate limiter temporarily unavailable",
			})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))

		if !result.Allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int(result.ResetIn.Seconds())+1))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rate_limited",
				"message": fmt.Sprintf("Too many requests, retry in %ds", int(result.ResetIn.Seconds())+1),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
