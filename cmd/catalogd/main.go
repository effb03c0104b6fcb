// Catalog federation daemon
// Opens the configured catalogs and serves health, metrics and catalog introspection
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nainya/catalogfed/internal/config"
	"github.com/nainya/catalogfed/internal/logger"
	"github.com/nainya/catalogfed/internal/metrics"
	"github.com/nainya/catalogfed/internal/server"
)

var configPath = flag.String("config", "", "Path to the YAML configuration file")

func main() {
	flag.Parse()
	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "catalogd: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	lg := logger.InitGlobalLogger(logger.Config{
		Level:      cfg.Log.Level,
		Pretty:     cfg.Log.Pretty,
		WithCaller: cfg.Log.WithCaller,
	}).WithFields(map[string]any{"config": path})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(nil)
	m.StartUptime(10 * time.Second)
	defer m.Stop()

	svc, err := cfg.BuildService(ctx, lg, server.NewOperationRecorder(m, lg))
	if err != nil {
		return fmt.Errorf("build catalog service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			zl := lg.Zerolog()
			zl.Error().Err(err).Msg("closing catalogs")
		}
	}()

	lg.LogServerStart(cfg.Server.GRPCPort, cfg.Server.MetricsPort, svc.CatalogIDs())

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := server.NewServer(svc, m, lg)
	obs := server.NewObservabilityServer(cfg.Server.MetricsPort, svc, nil, lg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.Serve(lis) })
	g.Go(obs.Start)
	g.Go(func() error {
		<-gctx.Done()
		lg.LogServerShutdown()
		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return obs.Shutdown(shutdownCtx)
	})

	lg.LogServerReady(cfg.Server.GRPCPort)
	return g.Wait()
}
