package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenKitchenCore/internal/auth"
	"github.com/KevinKickass/OpenKitchenCore/internal/machine"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func parseOrderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("ORDER_400", "Invalid order id", err.Error()))
		return uuid.Nil, false
	}
	return id, true
}

// GET /api/v1/orders
func (s *Server) listPendingOrders(c *gin.Context) {
	pending := s.deps.Machine.Pending()
	c.JSON(http.StatusOK, gin.H{
		"orders": pending,
		"count":  len(pending),
	})
}

// POST /api/v1/orders
func (s *Server) submitOrder(c *gin.Context) {
	var req machine.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("ORDER_400", "Invalid request body", err.Error()))
		return
	}

	id, err := s.deps.Machine.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, "ORDER", err)
		return
	}

	s.logger.Info("Order submitted",
		zap.String("order_id", id.String()),
		zap.String("operator", auth.Operator(c)))

	c.JSON(http.StatusAccepted, gin.H{
		"order_id": id,
		"status":   types.OrderPending,
	})
}

// GET /api/v1/orders/:id
func (s *Server) getOrder(c *gin.Context) {
	id, ok := parseOrderID(c)
	if !ok {
		return
	}
	order, err := s.deps.Machine.Order(id)
	if err != nil {
		writeError(c, "ORDER", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// GET /api/v1/orders/:id/history
func (s *Server) getOrderHistory(c *gin.Context) {
	id, ok := parseOrderID(c)
	if !ok {
		return
	}
	if s.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("ORDER_503", "Order history not available", nil))
		return
	}
	history, err := s.deps.Store.OrderHistory(c.Request.Context(), id)
	if err != nil {
		writeError(c, "ORDER", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": id,
		"history":  history,
	})
}

// POST /api/v1/orders/:id/cancel
func (s *Server) cancelOrder(c *gin.Context) {
	id, ok := parseOrderID(c)
	if !ok {
		return
	}
	if err := s.deps.Machine.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, "ORDER", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "order cancelled", "order_id": id})
}

// GET /api/v1/recipes
func (s *Server) listRecipes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"recipes": s.deps.Recipes.Names()})
}

// GET /api/v1/recipes/:name
func (s *Server) getRecipe(c *gin.Context) {
	recipe, err := s.deps.Recipes.Recipe(c.Param("name"))
	if err != nil {
		writeError(c, "RECIPE", err)
		return
	}
	c.JSON(http.StatusOK, recipe)
}
