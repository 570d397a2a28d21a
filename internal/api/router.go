package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/uma-arai/checkout-notifier/internal/common/config"
)

const serviceName = "checkout-notifier"

// NewRouter はHTTPのルーティングを設定します
func NewRouter(h *Handler, server config.ServerConfig) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(Tracing(serviceName), RequestLogger(), Recovery())

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.POST("/cron/notifications", CronAuth(server.CronSecret), h.RunNotifications)

	mon := api.Group("/monitoring", StaffAuth(server.JWTSecret))
	mon.GET("/checkouts", h.ListCheckouts)
	mon.GET("/checkouts/export", h.ExportCheckouts)
	mon.POST("/reminders", h.SendReminders)

	return r
}
