package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenKitchenCore/internal/auth"
	"github.com/KevinKickass/OpenKitchenCore/internal/machine"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Machine.Status())
}

// POST /api/v1/machine/command
func (s *Server) executeMachineCommand(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("MACHINE_400", "Invalid request body", err.Error()))
		return
	}

	cmd := machine.Command(req.Command)
	if cmd != machine.CommandStop && !auth.Allowed(c, auth.PermControl) {
		c.JSON(http.StatusForbidden, types.NewErrorResponse("FORBIDDEN", "insufficient permissions",
			gin.H{"required": string(auth.PermControl)}))
		return
	}

	if err := s.deps.Machine.ExecuteCommand(c.Request.Context(), cmd); err != nil {
		s.logger.Warn("Machine command failed",
			zap.String("command", req.Command),
			zap.String("operator", auth.Operator(c)),
			zap.Error(err))
		writeError(c, "MACHINE", err)
		return
	}

	s.logger.Info("Machine command executed",
		zap.String("command", req.Command),
		zap.String("operator", auth.Operator(c)))

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Command accepted",
		"command": req.Command,
		"status":  s.deps.Machine.Status().MachineStatus,
	})
}
