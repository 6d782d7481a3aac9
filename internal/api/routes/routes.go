// internal/api/routes/routes.go
// Gin 路由註冊

package routes

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"mail-relay/internal/api/handlers"
	"mail-relay/internal/api/middlewares"
	"mail-relay/internal/config"
	"mail-relay/internal/services"
)

// Dependencies 路由依賴
type Dependencies struct {
	Config           *config.Config
	DB               *gorm.DB
	QueueService     *services.QueueService
	KeyDBService     *services.KeyDBService
	RateLimitService *services.RateLimitService
}

// RegisterRoutes 註冊所有路由
func RegisterRoutes(router *gin.Engine, deps *Dependencies) {
	healthHandler := handlers.NewHealthHandler(deps.Config, deps.DB, deps.KeyDBService)
	mailHandler := handlers.NewMailHandler(deps.Config, deps.DB, deps.QueueService, deps.KeyDBService)

	// 公開路由
	router.GET("/health", healthHandler.Health)

	// API v1 路由群組
	v1 := router.Group("/api/v1")
	{
		mail := v1.Group("/mail")
		mail.Use(middlewares.RateLimit(deps.RateLimitService))
		mail.Use(middlewares.JWTAuth(deps.Config))
		{
			mail.POST("/send", mailHandler.Send)
			mail.GET("/status/:id", mailHandler.GetStatus)
			mail.GET("/history", mailHandler.GetHistory)
			mail.DELETE("/cancel/:id", mailHandler.Cancel)
		}
	}
}
