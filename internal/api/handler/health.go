package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler reports liveness and root store reachability.
type HealthHandler struct {
	root *gorm.DB
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(root *gorm.DB) *HealthHandler {
	return &HealthHandler{root: root}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	if h.root != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := h.root.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
