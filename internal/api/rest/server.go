package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/api/websocket"
	"github.com/KevinKickass/OpenKitchenCore/internal/auth"
	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/machine"
	"github.com/KevinKickass/OpenKitchenCore/internal/orders"
	"github.com/KevinKickass/OpenKitchenCore/internal/safety"
	"github.com/KevinKickass/OpenKitchenCore/internal/storage"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Machine interface {
	Submit(ctx context.Context, req machine.OrderRequest) (uuid.UUID, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Order(id uuid.UUID) (types.Order, error)
	Pending() []types.Order
	Status() machine.Status
	ExecuteCommand(ctx context.Context, cmd machine.Command) error
}

type Safety interface {
	Status() safety.Status
	Components() []hardware.ComponentStatus
	Component(id string) (hardware.ComponentStatus, error)
	History(component string) []safety.HistoryPoint
	EnableComponent(ctx context.Context, id string) error
}

type Inventory interface {
	Levels() []orders.StockLevel
	Restock(ingredient string, qty float64) error
}

type Recipes interface {
	Names() []string
	Recipe(name string) (types.Recipe, error)
}

type EventLog interface {
	History(kind events.Kind, limit int) []events.Event
	Stats() events.Stats
}

type OrderHistory interface {
	OrderHistory(ctx context.Context, id uuid.UUID) ([]storage.OrderRecord, error)
}

// Deps are the collaborators behind the API. Store and Metrics may be nil.
type Deps struct {
	Machine   Machine
	Safety    Safety
	Inventory Inventory
	Recipes   Recipes
	Events    EventLog
	Store     OrderHistory
	Hub       *websocket.Hub
	Auth      *auth.Middleware
	Metrics   http.Handler
}

type Server struct {
	router *gin.Engine
	deps   Deps
	logger *zap.Logger
	server *http.Server
}

func NewServer(port int, mode string, deps Deps, logger *zap.Logger) *Server {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	s := &Server{
		router: gin.New(),
		deps:   deps,
		logger: logger.Named("rest"),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start listens in the background. A listener failure is reported on the
// returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := s.router.Group("/api/v1")

	// WebSocket authenticates with its first message.
	if s.deps.Hub != nil {
		v1.GET("/ws/live", s.wsLiveConnection)
	}

	api := v1.Group("")
	api.Use(s.deps.Auth.Authenticate())
	view := auth.RequirePermission(auth.PermView)
	order := auth.RequirePermission(auth.PermOrder)
	control := auth.RequirePermission(auth.PermControl)

	api.GET("/status", view, s.getStatus)
	if s.deps.Hub != nil {
		api.GET("/ws/status", view, s.wsStatus)
	}

	ordersGroup := api.Group("/orders")
	{
		ordersGroup.GET("", view, s.listPendingOrders)
		ordersGroup.POST("", order, s.submitOrder)
		ordersGroup.GET("/:id", view, s.getOrder)
		ordersGroup.GET("/:id/history", view, s.getOrderHistory)
		ordersGroup.POST("/:id/cancel", order, s.cancelOrder)
	}

	recipes := api.Group("/recipes")
	{
		recipes.GET("", view, s.listRecipes)
		recipes.GET("/:name", view, s.getRecipe)
	}

	eventsGroup := api.Group("/events")
	{
		eventsGroup.GET("", view, s.listEvents)
		eventsGroup.GET("/stats", view, s.eventStats)
	}

	safetyGroup := api.Group("/safety")
	{
		safetyGroup.GET("", view, s.getSafetyStatus)
		safetyGroup.GET("/components", view, s.listComponents)
		safetyGroup.GET("/components/:id", view, s.getComponent)
		safetyGroup.GET("/components/:id/history", view, s.getComponentHistory)
		safetyGroup.POST("/components/:id/enable", control, s.enableComponent)
	}

	// Stop needs only the order permission; other commands check control.
	api.POST("/machine/command", order, s.executeMachineCommand)

	inventory := api.Group("/inventory")
	{
		inventory.GET("", view, s.getInventory)
		inventory.POST("/:ingredient/restock", control, s.restock)
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.deps.Hub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.deps.Hub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
