package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"flowhook.app/automation/internal/rules"
)

type AdminHandler struct {
	engine      *rules.Engine
	adminAPIKey string
}

func NewAdminHandler(engine *rules.Engine, adminAPIKey string) *AdminHandler {
	return &AdminHandler{
		engine:      engine,
		adminAPIKey: adminAPIKey,
	}
}

// ReloadGlobalRules swaps the shared rule set for a freshly loaded one.
func (h *AdminHandler) ReloadGlobalRules(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.engine.ReloadGlobalRules(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to reload global rules", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reload rules"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

// ReloadTenantRules swaps one tenant's rule set for a freshly loaded one.
func (h *AdminHandler) ReloadTenantRules(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.Param("tenant")

	if err := h.engine.ReloadTenantRules(ctx, tenantID); err != nil {
		slog.ErrorContext(ctx, "failed to reload tenant rules",
			"error", err,
			"tenant_id", tenantID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reload rules"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "tenant_id": tenantID})
}

// RemoveTenant evicts a tenant's cached rule set.
func (h *AdminHandler) RemoveTenant(c *gin.Context) {
	tenantID := c.Param("tenant")
	h.engine.RemoveTenant(tenantID)
	c.JSON(http.StatusOK, gin.H{"status": "removed", "tenant_id": tenantID})
}

// RequireAdminAPIKey middleware checks for valid admin API key
func (h *AdminHandler) RequireAdminAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.adminAPIKey == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin API not configured"})
			c.Abort()
			return
		}

		apiKey := c.GetHeader("X-Admin-API-Key")
		if apiKey == "" {
			apiKey = c.GetHeader("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}

		if apiKey != h.adminAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
			c.Abort()
			return
		}

		c.Next()
	}
}
