package router

import (
	"github.com/gin-gonic/gin"

	"flowhook.app/automation/internal/http/handler"
)

// AdminRouter sets up rule administration routes. All of them require the
// admin API key.
func AdminRouter(rg *gin.RouterGroup, h *handler.AdminHandler) {
	admin := rg.Group("")
	admin.Use(h.RequireAdminAPIKey())
	{
		admin.POST("/rules/reload", h.ReloadGlobalRules)
		admin.POST("/tenants/:tenant/rules/reload", h.ReloadTenantRules)
		admin.DELETE("/tenants/:tenant", h.RemoveTenant)
	}
}
