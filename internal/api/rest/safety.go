package rest

import (
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenKitchenCore/internal/auth"
	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/safety
func (s *Server) getSafetyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Safety.Status())
}

// GET /api/v1/safety/components
func (s *Server) listComponents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"components": s.deps.Safety.Components()})
}

// GET /api/v1/safety/components/:id
func (s *Server) getComponent(c *gin.Context) {
	comp, err := s.deps.Safety.Component(c.Param("id"))
	if err != nil {
		writeError(c, "SAFETY", err)
		return
	}
	c.JSON(http.StatusOK, comp)
}

// GET /api/v1/safety/components/:id/history
func (s *Server) getComponentHistory(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Safety.Component(id); err != nil {
		writeError(c, "SAFETY", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"component": id,
		"history":   s.deps.Safety.History(id),
	})
}

// POST /api/v1/safety/components/:id/enable
func (s *Server) enableComponent(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Safety.EnableComponent(c.Request.Context(), id); err != nil {
		writeError(c, "SAFETY", err)
		return
	}
	s.logger.Info("Component re-enabled",
		zap.String("component", id),
		zap.String("operator", auth.Operator(c)))
	c.JSON(http.StatusOK, gin.H{"message": "component enabled", "component": id})
}

// GET /api/v1/events?kind=...&limit=...
func (s *Server) listEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("EVENTS_400", "Invalid limit", raw))
			return
		}
		limit = n
	}
	history := s.deps.Events.History(events.Kind(c.Query("kind")), limit)
	c.JSON(http.StatusOK, gin.H{
		"events": history,
		"count":  len(history),
	})
}

// GET /api/v1/events/stats
func (s *Server) eventStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Events.Stats())
}

// GET /api/v1/inventory
func (s *Server) getInventory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ingredients": s.deps.Inventory.Levels()})
}

// POST /api/v1/inventory/:ingredient/restock
func (s *Server) restock(c *gin.Context) {
	var req struct {
		Quantity float64 `json:"quantity" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVENTORY_400", "Invalid request body", err.Error()))
		return
	}

	ingredient := c.Param("ingredient")
	if err := s.deps.Inventory.Restock(ingredient, req.Quantity); err != nil {
		writeError(c, "INVENTORY", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "restocked", "ingredient": ingredient, "added": req.Quantity})
}
