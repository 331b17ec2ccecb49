package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/machine"
	"github.com/KevinKickass/OpenKitchenCore/internal/orders"
	"github.com/KevinKickass/OpenKitchenCore/internal/safety"
	"github.com/KevinKickass/OpenKitchenCore/internal/state"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("Request failed", fields...)
			return
		}
		logger.Debug("Request", fields...)
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// writeError maps domain errors onto status codes and the error envelope.
func writeError(c *gin.Context, prefix string, err error) {
	status := http.StatusInternalServerError
	var (
		blocked *safety.ResetBlockedError
		stock   *orders.InsufficientStockError
	)
	switch {
	case errors.Is(err, machine.ErrUnknownOrder),
		errors.Is(err, orders.ErrUnknownRecipe),
		errors.Is(err, safety.ErrUnknownComponent):
		status = http.StatusNotFound
	case errors.As(err, &blocked):
		c.JSON(http.StatusConflict, types.NewErrorResponse(prefix+"_409", "Reset blocked", gin.H{
			"error":   err.Error(),
			"failed":  blocked.Failed,
		}))
		return
	case errors.As(err, &stock):
		status = http.StatusConflict
	case errors.Is(err, machine.ErrNotCancellable),
		errors.Is(err, machine.ErrNothingToReset),
		errors.Is(err, safety.ErrNotClean),
		errors.Is(err, safety.ErrInEmergency),
		errors.Is(err, state.ErrInvalidTransition),
		errors.Is(err, state.ErrNotInEmergency):
		status = http.StatusConflict
	case errors.Is(err, machine.ErrEmptyOrder),
		errors.Is(err, machine.ErrUnknownCommand),
		errors.Is(err, orders.ErrInvalidQuantity):
		status = http.StatusBadRequest
	}

	c.JSON(status, types.NewErrorResponse(prefix+"_"+strconv.Itoa(status), err.Error(), nil))
}
