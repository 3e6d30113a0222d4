// Command curryx-provider serves the calc#v1 demo service and keeps it
// registered until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"curryx/config"
	"curryx/metrics"
	"curryx/middleware"
	"curryx/provider"
	"curryx/registry"
	"curryx/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "curryx-provider:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	popts, err := cfg.ProtocolOptions()
	if err != nil {
		return err
	}
	collector := metrics.NewCollector()
	prometheus.MustRegister(collector)

	svc, err := server.Reflect("calc", "v1", &calc{})
	if err != nil {
		return err
	}
	table := server.NewTable()
	if err := table.Add(svc); err != nil {
		return err
	}
	srv := server.NewServer(table,
		server.WithProtocol(popts),
		server.WithLogger(logger),
		server.WithMiddleware(
			middleware.RecoverMiddleware(logger),
			middleware.LoggingMiddleware(logger),
			middleware.MetricsMiddleware(collector),
		),
	)

	coord, err := registry.NewEtcdCoordinator(cfg.EtcdConfig(logger))
	if err != nil {
		return err
	}
	reg := registry.New(coord, cfg.Root, logger)

	p := provider.New(reg, srv, provider.Options{
		Address: fmt.Sprintf(":%d", cfg.Server.Port),
		Host:    cfg.Server.Host,
		Weight:  cfg.Server.Weight,
		Logger:  logger,
	})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := p.Start(ctx); err != nil {
		reg.Close()
		return err
	}
	logger.Info("provider started", zap.String("endpoint", p.Endpoint()), zap.Strings("methods", svc.Methods()))

	if cfg.Metrics.Address != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Address, mux); err != nil {
				logger.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	served := make(chan error, 1)
	go func() { served <- p.Wait() }()
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-served:
		logger.Error("server stopped", zap.Error(err))
	}
	return p.Shutdown()
}
