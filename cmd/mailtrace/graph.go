package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tinytelemetry/mailtrace/internal/aggregator"
	"github.com/tinytelemetry/mailtrace/internal/model"
	"github.com/tinytelemetry/mailtrace/internal/trace"
)

func graphCmd(args []string) error {
	fs := pflag.NewFlagSet("graph", pflag.ContinueOnError)
	var (
		configPath string
		startHost  string
		keys       []string
		timeStr    string
		timeRange  string
		output     string
		passwords  passwordFlags
	)
	fs.StringVarP(&configPath, "config", "c", "", "path to configuration file")
	fs.StringVarP(&startHost, "host", "h", "", "starting host or cluster name")
	fs.StringArrayVarP(&keys, "key", "k", nil, "search keyword (repeatable)")
	fs.StringVar(&timeStr, "time", "", "center of the search window (YYYY-MM-DD HH:MM:SS)")
	fs.StringVar(&timeRange, "time-range", "", "half-width of the search window, e.g. 30s, 10m, 2h, 1d")
	fs.StringVarP(&output, "output", "o", "-", "DOT output path, - for stdout")
	passwords.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if startHost == "" || len(keys) == 0 {
		return errors.New("graph: --host and --key are required")
	}

	cfg, logger, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	if err := passwords.apply(cfg, logger); err != nil {
		return err
	}
	start, end, err := parseWindow(timeStr, timeRange)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agg, err := aggregator.New(cfg, logger)
	if err != nil {
		return err
	}
	defer agg.Close()

	discovered, err := discoverQueueIDs(ctx, agg, cfg, logger, startHost, keys, start, end)
	if err != nil {
		return err
	}
	logger.Info("found queue ids to trace", "count", len(discovered))

	graph := model.NewMailGraph()
	tracer := trace.New(agg, cfg, logger, start, end)
	for _, q := range discovered {
		logger.Info("tracing", "queue_id", q.queueID, "host", q.host)
		tracer.Trace(ctx, q.queueID, q.host, graph)
	}

	if output == "" || output == "-" {
		return graph.WriteDOT(os.Stdout)
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", output, err)
	}
	defer f.Close()
	if err := graph.WriteDOT(f); err != nil {
		return err
	}
	logger.Info("graph saved", "path", output)
	return nil
}
