package router

import (
	"github.com/gin-gonic/gin"

	"flowhook.app/automation/internal/http/handler"
)

func SetupRoutes(router *gin.Engine, ingest *handler.EventIngestHandler, admin *handler.AdminHandler) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		EventRouter(v1.Group("/events"), ingest)
	}

	AdminRouter(router.Group("/admin"), admin)
}
