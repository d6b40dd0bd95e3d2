// Command bridged runs the realtime session bridge: a WebSocket signaling
// endpoint for wearable clients and an HTTP control surface for operators.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	bridge "github.com/bt-bridge/realtime-bridge"
	"github.com/bt-bridge/realtime-bridge/config"
	"github.com/bt-bridge/realtime-bridge/control"
	"github.com/bt-bridge/realtime-bridge/shared"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		shared.NewStdLogger().Error("loading configuration", err)
		os.Exit(1)
	}

	logger := shared.NewFileLogger(
		cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays, cfg.Log.Compress,
	).With(
		zap.String("component", "bridged"),
		zap.String("version", shared.Version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	br, err := bridge.New(logger, cfg)
	if err != nil {
		logger.Error("assembling bridge", err)
		os.Exit(1)
	}
	br.Start(ctx)

	ctrl, err := control.NewServer(logger, br)
	if err != nil {
		logger.Error("assembling control surface", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", br.Signaling())
	signaling := &http.Server{Addr: cfg.Listen.Signaling, Handler: mux}

	errC := make(chan error, 2)
	go func() {
		logger.Info("signaling listening", zap.String("addr", cfg.Listen.Signaling))
		if err := signaling.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
	}()
	go func() {
		errC <- ctrl.ListenAndServe(cfg.Listen.Control)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errC:
		logger.Error("server failed", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := signaling.Shutdown(shutdownCtx); err != nil {
		logger.Error("stopping signaling server", err)
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Error("stopping control server", err)
	}
	if err := br.Close(); err != nil {
		logger.Error("closing bridge", err)
	}
	logger.Info("bridged stopped")
}
