package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenKitchenCore/internal/config"
	"github.com/KevinKickass/OpenKitchenCore/internal/system"
	"go.uber.org/zap"
)

func runServer(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", configFile))

	ctx := context.Background()
	sc, err := system.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to build system", zap.Error(err))
		return err
	}

	go logTransitions(logger, sc.SubscribeStatus())

	if err := sc.Start(ctx); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		shutdown(logger, sc, cfg)
		return err
	}

	logger.Info("OpenKitchenCore started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := sc.ReloadRecipes(); err != nil {
				logger.Error("Recipe reload failed", zap.Error(err))
			}
			continue
		}
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
		break
	}

	if err := shutdown(logger, sc, cfg); err != nil {
		return err
	}
	logger.Info("OpenKitchenCore stopped successfully")
	return nil
}

func shutdown(logger *zap.Logger, sc *system.SystemContext, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := sc.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

func logTransitions(logger *zap.Logger, statuses <-chan system.SystemStatus) {
	for st := range statuses {
		fields := []zap.Field{zap.Stringer("state", st.State)}
		if st.Error != "" {
			fields = append(fields, zap.String("error", st.Error))
		}
		logger.Info("System state changed", fields...)
	}
}
