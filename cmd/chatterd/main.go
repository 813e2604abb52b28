package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	chatter "github.com/putto11262002/chatter-sync/app"
	"github.com/spf13/pflag"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "path to the config file (default ./config.yaml)")
	debug := pflag.Bool("debug", false, "log at debug level")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	config, err := chatter.LoadConfig(*configFile)
	if err != nil {
		failed(1, "failed to load config: %v\n", err)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := chatter.NewLogger(os.Stdout, level)

	srv, err := chatter.NewDevServer(ctx, &config.Server, logger)
	if err != nil {
		failed(1, "failed to start server: %s\n", chatter.FormatValidationErrors(err))
	}
	if err := srv.Start(ctx); err != nil {
		failed(1, "server error: %v\n", err)
	}
	logger.Info("server shutdown gracefully")
}

func failed(code int, s string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(code)
}
