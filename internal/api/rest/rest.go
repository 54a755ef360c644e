package rest

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dimagi/casecore/internal/api/middleware"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler, authCfg middleware.AuthConfig) {
	// Health check and metrics (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Phone facing endpoints; mobile worker authentication happens upstream
	phone := router.Group("/a/:domain")
	{
		phone.POST("/receiver", handler.SubmitForm)
		phone.GET("/phone/restore", handler.Restore)
	}

	// Admin API v1 (requires authentication)
	v1 := router.Group("/api/v1", middleware.Auth(authCfg))
	{
		v1.POST("/domains/:domain/devices", handler.RegisterDevice)
		v1.GET("/domains/:domain/owners/:owner_id/cleanliness", handler.GetCleanliness)
		v1.POST("/devices/:device_id/reset", handler.ResetDevice)

		v1.GET("/cases/:case_id", handler.GetCase)
		v1.POST("/cases/:case_id/rebuild", handler.RebuildCase)
		v1.GET("/cases/:case_id/ledger", handler.GetCaseLedger)
		v1.POST("/cases/:case_id/ledger/rebuild", handler.RebuildCaseLedger)

		v1.GET("/forms/:form_id", handler.GetForm)
		v1.POST("/forms/:form_id/archive", handler.ArchiveForm)
		v1.POST("/forms/:form_id/unarchive", handler.UnarchiveForm)
		v1.POST("/forms/:form_id/edit", handler.EditForm)
		v1.DELETE("/forms/:form_id", handler.DeleteForm)
	}
}
