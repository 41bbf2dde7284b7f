package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tinytelemetry/mailtrace/internal/aggregator"
	"github.com/tinytelemetry/mailtrace/internal/otlp"
	"github.com/tinytelemetry/mailtrace/internal/pipeline"
)

func tracingCmd(args []string) error {
	fs := pflag.NewFlagSet("tracing", pflag.ContinueOnError)
	var (
		configPath   string
		otelEndpoint string
		passwords    passwordFlags
	)
	fs.StringVarP(&configPath, "config", "c", "", "path to configuration file")
	fs.StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP gRPC collector endpoint")
	passwords.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	if err := passwords.apply(cfg, logger); err != nil {
		return err
	}
	if otelEndpoint == "" {
		otelEndpoint = cfg.Tracing.OTelEndpoint
	}
	if otelEndpoint == "" {
		return errors.New("tracing: --otel-endpoint is required")
	}
	if len(cfg.AllHosts()) == 0 {
		return errors.New("tracing: no hosts configured under clusters")
	}

	agg, err := aggregator.New(cfg, logger)
	if err != nil {
		return err
	}
	defer agg.Close()

	exporter, err := otlp.NewExporter(otelEndpoint)
	if err != nil {
		return err
	}
	defer exporter.Close()

	p, err := pipeline.New(cfg, agg, exporter, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting continuous tracing",
		"endpoint", otelEndpoint,
		"sleep_seconds", cfg.Tracing.SleepSeconds,
		"hold_rounds", cfg.Tracing.HoldRounds,
		"go_back_seconds", cfg.Tracing.GoBackSeconds,
		"hosts", len(cfg.AllHosts()))

	if err := p.Run(ctx); err != nil {
		return err
	}
	logger.Info("continuous tracing stopped")
	return nil
}
