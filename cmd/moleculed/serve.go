package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/arc-self/molecule/adminhttp"
	"github.com/arc-self/molecule/broker"
	"github.com/arc-self/molecule/config"
	"github.com/arc-self/molecule/logging"
	"github.com/arc-self/molecule/telemetry"
	"github.com/arc-self/molecule/transport/natstransport"
)

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker node and the admin HTTP introspection surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.ResolveTransporterURL(cfg); err != nil {
		return err
	}

	env := logging.EnvProduction
	if cfg.Environment == "development" {
		env = logging.EnvDevelopment
	}
	logger, err := logging.New(env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()

	if cfg.OTelEndpoint != "" {
		tp, err := telemetry.InitTracer(ctx, "moleculed", cfg.OTelEndpoint)
		if err != nil {
			logger.Warn("OTel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(ctx)
		}
		mp, err := telemetry.InitMeterProvider(ctx, "moleculed", cfg.OTelEndpoint)
		if err != nil {
			logger.Warn("OTel meter init failed", zap.Error(err))
		} else {
			defer mp.Shutdown(ctx)
		}
	}

	metrics, err := telemetry.NewBrokerMetrics(otel.Meter("moleculed"))
	if err != nil {
		logger.Warn("metrics instrument init failed", zap.Error(err))
		metrics = nil
	}

	tr := natstransport.New(cfg.TransporterURL, logger)

	b := broker.New(broker.Config{
		NodeID:             cfg.NodeID,
		Namespace:          cfg.Namespace,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		RequestTimeout:     cfg.RequestTimeout,
		WaitForServicesDur: cfg.WaitForServicesTimeout,
	}, tr, logger, metrics)

	if err := b.Start(ctx); err != nil {
		return err
	}

	admin := adminhttp.New(b, logger)
	go func() {
		if err := admin.Start(cfg.AdminHTTPAddr); err != nil {
			logger.Error("admin HTTP server stopped", zap.Error(err))
		}
	}()

	logger.Info("moleculed serving", zap.String("nodeID", cfg.NodeID), zap.String("adminAddr", cfg.AdminHTTPAddr))

	if err := b.WaitForShutdown(ctx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return admin.Shutdown(shutdownCtx)
}
