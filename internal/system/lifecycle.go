package system

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/api/rest"
	"github.com/KevinKickass/OpenKitchenCore/internal/api/websocket"
	"github.com/KevinKickass/OpenKitchenCore/internal/auth"
	"github.com/KevinKickass/OpenKitchenCore/internal/config"
	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/machine"
	"github.com/KevinKickass/OpenKitchenCore/internal/metrics"
	"github.com/KevinKickass/OpenKitchenCore/internal/orders"
	"github.com/KevinKickass/OpenKitchenCore/internal/safety"
	"github.com/KevinKickass/OpenKitchenCore/internal/state"
	"github.com/KevinKickass/OpenKitchenCore/internal/storage"
	"github.com/KevinKickass/OpenKitchenCore/internal/telemetry/influx"
	"github.com/KevinKickass/OpenKitchenCore/internal/telemetry/mqtt"
	"github.com/KevinKickass/OpenKitchenCore/internal/thermal"
	"go.uber.org/zap"
)

// SystemContext owns every long-lived component of the process. It is built
// once at startup from the configuration; nothing in the tree is global.
type SystemContext struct {
	config *config.Config
	logger *zap.Logger

	Bus        *events.Bus
	Registry   *hardware.Registry
	Latch      *safety.Latch
	Metrics    *metrics.Collector
	Safety     *safety.Monitor
	Thermal    *thermal.Service
	State      *state.Manager
	Recipes    *orders.RecipeBook
	Inventory  *orders.Inventory
	Stations   *machine.Stations
	Controller *machine.Controller
	Store      storage.Store
	Recorder   *storage.Recorder
	JWT        *auth.JWTHandler
	Hub        *websocket.Hub
	Server     *rest.Server

	postgres *storage.PostgresStore
	bridge   *mqtt.Bridge
	influx   *influx.Writer
	closers  []io.Closer
	subs     []events.Subscription

	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	stateMu      sync.RWMutex
	currentState SystemState
	lastErr      string

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	shutdownOnce sync.Once
}

type machineSnapshot struct {
	controller *machine.Controller
}

func (m machineSnapshot) Snapshot() any { return m.controller.Status() }

// New wires the components described by cfg. Hardware is registered but not
// touched; connections to Postgres, the MQTT broker and InfluxDB are opened
// when those integrations are enabled.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*SystemContext, error) {
	sc := &SystemContext{
		config:       cfg,
		logger:       logger,
		currentState: StateInitializing,
	}
	if err := sc.build(ctx); err != nil {
		if sc.Bus != nil {
			_ = sc.Bus.Shutdown(context.Background())
		}
		sc.release()
		return nil, err
	}
	return sc, nil
}

func (sc *SystemContext) build(ctx context.Context) error {
	cfg := sc.config
	logger := sc.logger

	registry, closers, err := buildRegistry(cfg, logger)
	sc.closers = closers
	if err != nil {
		return err
	}
	sc.Registry = registry

	sc.Bus = events.NewBus(logger, events.Config{
		Workers:         cfg.Events.Workers,
		QueueSize:       cfg.Events.QueueSize,
		HistorySize:     cfg.Events.HistorySize,
		EnqueueTimeout:  cfg.Events.EnqueueTimeout,
		CriticalTimeout: cfg.Events.CriticalTimeout,
	})
	sc.Latch = safety.NewLatch()
	sc.Metrics = metrics.NewCollector()

	sc.Safety, err = safety.NewMonitor(safetyConfig(cfg.Safety), logger, sc.Bus, registry, sc.Latch, sc.Metrics)
	if err != nil {
		return fatal("safety", err)
	}

	loops := make([]*thermal.Loop, 0, len(cfg.Zones))
	for _, z := range cfg.Zones {
		heater, err := registry.Heater(z.Name)
		if err != nil {
			return fatal("thermal", err)
		}
		loop, err := thermal.NewLoop(thermalConfig(z, cfg.Safety.HardwareTimeout), heater, sc.Latch, sc.Bus, logger)
		if err != nil {
			return fatal("thermal", fmt.Errorf("zone %s: %w", z.Name, err))
		}
		loops = append(loops, loop)
	}
	sc.Thermal = thermal.NewService(logger, sc.Bus, sc.Latch, cfg.Machine.PreheatTimeout, loops...)

	sc.State = state.NewManager(logger, sc.Bus)

	sc.Recipes, err = orders.NewRecipeBook()
	if err != nil {
		return fatal("recipes", err)
	}
	if err := sc.Recipes.LoadFile(cfg.Recipes.Path); err != nil {
		return fatal("recipes", err)
	}
	if err := sc.Recipes.CheckZones(zoneNames(cfg.Zones)); err != nil {
		return fatal("recipes", err)
	}

	sc.Inventory = orders.NewInventory(logger, sc.Bus, cfg.Inventory.Stock, cfg.Inventory.LowThresholds)
	sc.Stations = machine.NewStations(logger, sc.Bus, registry, sc.Latch, cfg.Machine.HardwareTimeout)
	sc.Controller = machine.NewController(machineConfig(cfg.Machine), logger, machine.Deps{
		Bus:      sc.Bus,
		State:    sc.State,
		Safety:   sc.Safety,
		Latch:    sc.Latch,
		Registry: registry,
		Recipes:  sc.Recipes,
		Stock:    sc.Inventory,
		Metrics:  sc.Metrics,
	})

	if cfg.Database.Enabled {
		pg, err := storage.NewPostgresStore(ctx, cfg.Database)
		if err != nil {
			return fatal("storage", err)
		}
		sc.postgres = pg
		if err := pg.EnsureSchema(ctx); err != nil {
			return fatal("storage", err)
		}
		sc.Store = pg
	} else {
		sc.Store = storage.NewMemoryStore(cfg.Events.HistorySize)
	}
	sc.Recorder = storage.NewRecorder(logger, sc.Store, cfg.Events.RecorderQueue)

	if cfg.MQTT.Enabled {
		pub, err := mqtt.NewRealPublisher(cfg.MQTT, logger)
		if err != nil {
			logger.Warn("MQTT bridge disabled", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		} else {
			sc.bridge = mqtt.NewBridge(logger, pub, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, cfg.MQTT.Retained)
		}
	}
	if cfg.InfluxDB.Enabled {
		w, err := influx.Connect(ctx, cfg.InfluxDB, logger)
		if err != nil {
			logger.Warn("InfluxDB writer disabled", zap.String("url", cfg.InfluxDB.URL), zap.Error(err))
		} else {
			sc.influx = w
		}
	}

	sc.JWT = auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	middleware := auth.NewMiddleware(logger, sc.JWT, cfg.Auth.Enabled)
	var validator websocket.TokenValidator
	if cfg.Auth.Enabled {
		validator = sc.JWT
		if !cfg.Auth.IsProductionReady() {
			logger.Warn("JWT secret is the development default or too short",
				zap.String("env", cfg.Auth.JWTSecretEnv))
		}
	}
	sc.Hub = websocket.NewHub(logger, validator, machineSnapshot{sc.Controller})

	sc.Server = rest.NewServer(cfg.Server.HTTPPort, cfg.Server.Mode, rest.Deps{
		Machine:   sc.Controller,
		Safety:    sc.Safety,
		Inventory: sc.Inventory,
		Recipes:   sc.Recipes,
		Events:    sc.Bus,
		Store:     sc.Store,
		Hub:       sc.Hub,
		Auth:      middleware,
		Metrics:   sc.Metrics.Handler(),
	}, logger)
	return nil
}

// Start attaches the bus consumers, starts safety supervision, initializes
// the hardware, brings the zones up and finally opens the API.
func (sc *SystemContext) Start(ctx context.Context) error {
	sc.logger.Info("Starting OpenKitchenCore")
	sc.ctx, sc.cancel = context.WithCancel(ctx)
	sc.started = true
	sc.broadcastStatus()

	sc.subs = append(sc.subs,
		sc.Bus.SubscribeAll(events.NewLogHandler(sc.logger)),
		sc.Metrics.WatchBus(sc.Bus),
	)
	sc.Recorder.Start(sc.Bus)
	if sc.bridge != nil {
		sc.bridge.Start(sc.Bus)
	}
	if sc.influx != nil {
		sc.influx.Start(sc.Bus)
	}
	sc.Hub.Attach(sc.Bus)
	go sc.Hub.Run(sc.ctx)

	sc.Safety.Start(sc.ctx)
	sc.Stations.Start(sc.ctx)

	if err := sc.Controller.Start(sc.ctx); err != nil {
		sc.setError(err)
		return err
	}
	if err := sc.Thermal.Start(sc.ctx); err != nil {
		err = fatal("thermal", err)
		sc.setError(err)
		return err
	}

	errCh := sc.Server.Start()
	go sc.watchServer(errCh)

	if err := sc.setState(StateRunning); err != nil {
		return err
	}
	sc.publish(events.New(events.KindSystemStarted, "system", events.SystemMessage{Message: "system started"}))

	sc.logger.Info("System started successfully",
		zap.Int("http_port", sc.config.Server.HTTPPort),
		zap.Strings("zones", sc.Thermal.Zones()),
		zap.Int("components", len(sc.Registry.IDs())),
		zap.Bool("persistence", sc.postgres != nil),
		zap.Bool("mqtt", sc.bridge != nil),
		zap.Bool("influxdb", sc.influx != nil))
	return nil
}

func (sc *SystemContext) watchServer(errCh <-chan error) {
	for err := range errCh {
		sc.setError(err)
		sc.publish(events.New(events.KindSystemError, "system", events.SystemError{
			Component: "rest",
			Error:     err.Error(),
		}))
	}
}

// ReloadRecipes re-reads the recipe file. The running book is only replaced
// when the new file validates and references known zones.
func (sc *SystemContext) ReloadRecipes() error {
	if err := sc.setState(StateReloading); err != nil {
		return fmt.Errorf("cannot reload: %w", err)
	}
	defer func() {
		if err := sc.setState(StateRunning); err != nil {
			sc.logger.Warn("Failed to leave reload state", zap.Error(err))
		}
	}()

	path := sc.config.Recipes.Path
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read recipes: %w", err)
	}

	candidate, err := orders.NewRecipeBook()
	if err != nil {
		return err
	}
	if err := candidate.Load(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := candidate.CheckZones(sc.Thermal.Zones()); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := sc.Recipes.Load(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	sc.logger.Info("Recipes reloaded", zap.String("path", path), zap.Strings("recipes", sc.Recipes.Names()))
	return nil
}

// Shutdown stops intake, cuts every actuator and drains the bus consumers.
// It is safe to call more than once.
func (sc *SystemContext) Shutdown(ctx context.Context) error {
	var shutdownErr error

	sc.shutdownOnce.Do(func() {
		sc.logger.Info("Shutting down system")

		if err := sc.setState(StateStopping); err != nil {
			sc.logger.Warn("Unexpected shutdown transition", zap.Error(err))
		}

		shutdownErr = sc.gracefulShutdown(ctx)

		if err := sc.setState(StateStopped); err != nil {
			sc.logger.Warn("Unexpected shutdown transition", zap.Error(err))
		}
		sc.closeListeners()
	})

	return shutdownErr
}

func (sc *SystemContext) gracefulShutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- sc.stopAll(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		sc.logger.Info("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		sc.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err())
	}
}

func (sc *SystemContext) stopAll(ctx context.Context) error {
	var errs []error

	if sc.started {
		if err := sc.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}

		sc.Controller.Stop()
		sc.Thermal.Stop()
		sc.Stations.Stop()
		sc.Safety.Stop()

		if err := sc.deenergize(ctx); err != nil {
			errs = append(errs, err)
		}

		sc.publish(events.New(events.KindSystemStopped, "system", events.SystemMessage{Message: "system stopped"}))
	}

	if err := sc.Bus.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if sc.started {
		for _, sub := range sc.subs {
			sc.Bus.Unsubscribe(sub)
		}
		sc.Hub.Detach()
		sc.cancel()
		sc.Recorder.Stop()
	}
	if sc.influx != nil {
		sc.influx.Stop()
	}
	if sc.bridge != nil {
		if err := sc.bridge.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt bridge stop failed: %w", err))
		}
	}

	sc.release()
	return errors.Join(errs...)
}

// deenergize leaves every actuator deactivated.
func (sc *SystemContext) deenergize(ctx context.Context) error {
	timeout := sc.config.Machine.HardwareTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var errs []error
	for _, a := range sc.Registry.Actuators() {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := a.Deactivate(opCtx); err != nil {
			errs = append(errs, fmt.Errorf("deactivate %s: %w", a.ID(), err))
		}
		cancel()
	}
	return errors.Join(errs...)
}

// release closes connections opened by build.
func (sc *SystemContext) release() {
	if sc.postgres != nil {
		sc.postgres.Close()
	}
	for _, c := range sc.closers {
		if err := c.Close(); err != nil {
			sc.logger.Warn("Failed to close component", zap.Error(err))
		}
	}
	sc.closers = nil
}

func (sc *SystemContext) publish(e events.Event) {
	if err := sc.Bus.Publish(context.Background(), e); err != nil && !errors.Is(err, events.ErrClosed) {
		sc.logger.Warn("Publish failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func (sc *SystemContext) setState(to SystemState) error {
	sc.stateMu.Lock()
	if err := ValidateTransition(sc.currentState, to); err != nil {
		sc.stateMu.Unlock()
		return err
	}
	sc.currentState = to
	if to != StateError {
		sc.lastErr = ""
	}
	sc.stateMu.Unlock()

	sc.broadcastStatus()
	return nil
}

func (sc *SystemContext) setError(err error) {
	sc.logger.Error("System error", zap.Error(err))

	sc.stateMu.Lock()
	if ValidateTransition(sc.currentState, StateError) != nil {
		sc.stateMu.Unlock()
		return
	}
	sc.currentState = StateError
	sc.lastErr = err.Error()
	sc.stateMu.Unlock()

	sc.broadcastStatus()
}

func (sc *SystemContext) Status() SystemStatus {
	sc.stateMu.RLock()
	defer sc.stateMu.RUnlock()

	return SystemStatus{
		State:     sc.currentState,
		Timestamp: time.Now().Unix(),
		Error:     sc.lastErr,
	}
}

func (sc *SystemContext) broadcastStatus() {
	status := sc.Status()

	sc.listenersMu.RLock()
	defer sc.listenersMu.RUnlock()

	for _, listener := range sc.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus returns a channel receiving every lifecycle transition. It
// is closed once the system has stopped.
func (sc *SystemContext) SubscribeStatus() <-chan SystemStatus {
	ch := make(chan SystemStatus, 10)

	sc.listenersMu.Lock()
	sc.statusListeners = append(sc.statusListeners, ch)
	sc.listenersMu.Unlock()

	return ch
}

func (sc *SystemContext) closeListeners() {
	sc.listenersMu.Lock()
	defer sc.listenersMu.Unlock()

	for _, ch := range sc.statusListeners {
		close(ch)
	}
	sc.statusListeners = nil
}
