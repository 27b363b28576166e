package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	grpcapi "github.com/kennethnrk/npu-supervisor/internal/api/grpc"
	"github.com/kennethnrk/npu-supervisor/internal/api/rest"
	"github.com/kennethnrk/npu-supervisor/internal/attribution"
	"github.com/kennethnrk/npu-supervisor/internal/config"
	"github.com/kennethnrk/npu-supervisor/internal/container"
	"github.com/kennethnrk/npu-supervisor/internal/discovery"
	"github.com/kennethnrk/npu-supervisor/internal/executor"
	"github.com/kennethnrk/npu-supervisor/internal/lifecycle"
	"github.com/kennethnrk/npu-supervisor/internal/models"
	"github.com/kennethnrk/npu-supervisor/internal/registry"
	"github.com/kennethnrk/npu-supervisor/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "npu-supervisor: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("npu-supervisor", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file (default $"+config.EnvConfigPath+")")
	httpAddr := flags.String("http-addr", "", "REST API listen address")
	grpcAddr := flags.String("grpc-addr", "", "gRPC health listen address (empty disables it)")
	runtimeName := flags.String("runtime", "", "container runtime to use instead of probing PATH")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn or error")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if flags.Changed("http-addr") {
		cfg.HTTPAddr = *httpAddr
	}
	if flags.Changed("grpc-addr") {
		cfg.GRPCAddr = *grpcAddr
	}
	if flags.Changed("runtime") {
		cfg.Runtime = *runtimeName
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ex := executor.New()
	rt := container.Detect(ex, cfg.Runtime, logger)

	owners := attribution.NewResolver(rt, cfg.ProcRoot, logger)
	collector := telemetry.NewCollector(ex, owners,
		telemetry.CollectorConfig{
			Tool:               cfg.Device.Tool,
			PlaceholderDevices: cfg.Device.PlaceholderDevices,
			Parser: &telemetry.Parser{
				ModelTokens:       cfg.Device.ModelTokens,
				HealthyIndicators: cfg.Device.HealthyIndicators,
			},
		}, logger)

	controller := lifecycle.NewController(rt, registry.New(), lifecycle.Config{
		PollInterval:   cfg.Service.PollInterval.Std(),
		ReadyTimeout:   cfg.Service.ReadyTimeout.Std(),
		ProcessPattern: cfg.Service.ProcessPattern,
	}, logger)
	defer controller.Close()

	discoverer := discovery.New(collector, rt, owners, discovery.Config{
		ProcessPattern: cfg.Service.ProcessPattern,
		CommonPorts:    cfg.Discovery.CommonPorts,
		DefaultPort:    cfg.Discovery.DefaultPort,
	}, logger)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		controller.RunRefreshLoop(ctx, cfg.Service.RefreshInterval.Std())
	}()

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: rest.NewHandler(rest.Deps{
			Services:   controller,
			Devices:    collector,
			Containers: rt,
			Discoverer: discoverer,
			Models:     models.NewCatalog(cfg.Models.Roots, cfg.Models.ModelScopeCache, logger),
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("REST API listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var health *grpcapi.HealthReporter
	if cfg.GRPCAddr != "" {
		health = grpcapi.NewHealthReporter(controller, rt, logger)
		grpcServer := grpcapi.NewServer(health)
		defer grpcServer.Stop()

		wg.Add(1)
		go func() {
			defer wg.Done()
			health.Run(ctx, cfg.Service.HealthSyncInterval.Std())
		}()
		go func() {
			if err := grpcapi.Serve(grpcServer, cfg.GRPCAddr, logger); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", "error", err)
		stop()
	}

	if health != nil {
		health.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "error", serr)
	}
	wg.Wait()
	return err
}
