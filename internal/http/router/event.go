package router

import (
	"github.com/gin-gonic/gin"

	"flowhook.app/automation/internal/http/handler"
)

func EventRouter(router *gin.RouterGroup, handler *handler.EventIngestHandler) {
	router.POST("/ingest", handler.Ingest)
}
