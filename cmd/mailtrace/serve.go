package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tinytelemetry/mailtrace/internal/httpserver"
)

func serveCmd(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	var (
		configPath string
		listen     string
		passwords  passwordFlags
	)
	fs.StringVarP(&configPath, "config", "c", "", "path to configuration file")
	fs.StringVar(&listen, "listen", "127.0.0.1:3000", "HTTP listen address")
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

	server := httpserver.NewServer(listen, cfg, logger)
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("scan API listening", "addr", listen)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	return server.Stop()
}
