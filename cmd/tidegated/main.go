// Command tidegated runs the sandboxed WASM plugin runtime as a
// standalone demo server: it wires every package in this repo together
// exactly the way a surrounding telemetry server would, using
// pkg/hostbus as a stand-in for that server's real HostServices.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"tidegate/pkg/apierrors"
	"tidegate/pkg/audit"
	"tidegate/pkg/auth"
	"tidegate/pkg/bridge"
	"tidegate/pkg/config"
	"tidegate/pkg/hostbus"
	"tidegate/pkg/httpapi"
	"tidegate/pkg/logging"
	"tidegate/pkg/pluginmetrics"
	"tidegate/pkg/registry"
	"tidegate/pkg/subscription"
	"tidegate/pkg/tracing"
	"tidegate/pkg/vfs"
	"tidegate/pkg/wasmrt"
)

func main() {
	configPath := flag.String("config", "config/tidegated.yaml", "path to configuration file")
	flag.Parse()

	logger := logging.NewLogger()
	logger.Info("starting tidegate plugin runtime")

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}
	logging.ConfigureLogger(logger, cfg.Logging.Level, cfg.Logging.JSON)

	tracer, err := tracing.NewManager(cfg.Tracing, logger)
	if err != nil {
		logger.Fatalf("failed to initialize tracing: %v", err)
	}

	bus, err := hostbus.New(hostbus.Config{
		Strategy:   cfg.Redis.Strategy,
		RedisURL:   cfg.Redis.URL,
		Channel:    cfg.Redis.Channel,
		ConfigRoot: cfg.Plugins.ConfigRoot,
	}, logger)
	if err != nil {
		logger.Fatalf("failed to initialize host bus: %v", err)
	}

	auditRecorder, err := audit.NewRecorder(audit.Config{
		Enabled:        cfg.MongoDB.Enabled,
		URI:            cfg.MongoDB.URI,
		Database:       cfg.MongoDB.Database,
		ConnectTimeout: cfg.MongoDB.ConnectTimeout,
		Retention:      cfg.MongoDB.Retention,
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to initialize audit trail, continuing without it")
		auditRecorder = nil
	}

	vfsManager := vfs.NewManager(logger)
	subs := subscription.NewManager(logger, subscription.DefaultBufferBound)

	holder := &moduleRuntimeHolder{}
	reg := registry.New(logger, vfsManager, holder, subs, bus)
	subs.SetDispatcher(reg)
	reg.SetTracer(tracer)
	if auditRecorder != nil {
		reg.SetAuditRecorder(auditRecorder)
	}

	br := bridge.New(logger, reg, bus)
	rt, err := wasmrt.NewRuntime(wasmrt.Config{MaxMemoryPages: cfg.Plugins.MaxMemoryPages}, logger, br)
	if err != nil {
		logger.Fatalf("failed to initialize module runtime: %v", err)
	}
	holder.rt = rt

	reg.DiscoverAndRegisterAll(cfg.Plugins.PackageRoot)

	authManager := auth.NewManager(cfg.Auth)

	e := echo.New()
	e.HTTPErrorHandler = apierrors.ErrorHandler(logger)
	if cfg.Tracing.Enabled {
		e.Use(otelecho.Middleware(cfg.Tracing.ServiceName))
	}
	e.Use(logging.LoggerMiddleware(logger))

	if cfg.Monitoring.Enabled {
		pluginmetrics.Register(e, cfg.Monitoring.Path)
	}

	httpHandler := httpapi.New(reg, bus, logger)
	httpHandler.Register(e, authManager.Middleware())

	broadcaster := httpapi.NewBroadcaster(reg, logger)
	broadcaster.Start()
	httpHandler.RegisterLive(e, broadcaster, authManager.Middleware())

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Infof("tidegate listening on %s", addr)
		if err := e.Start(addr); err != nil && err.Error() != "http: Server closed" {
			logger.Errorf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down tidegate")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	broadcaster.Stop()
	reg.Shutdown()
	if err := bus.Close(); err != nil {
		logger.WithError(err).Warn("error closing host bus")
	}
	if auditRecorder != nil {
		if err := auditRecorder.Close(ctx); err != nil {
			logger.WithError(err).Warn("error closing audit recorder")
		}
	}
	if err := tracer.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("error shutting down tracer")
	}
	if err := e.Shutdown(ctx); err != nil {
		logger.Errorf("server forced to shutdown: %v", err)
	}
	logger.Info("tidegate stopped")
}
