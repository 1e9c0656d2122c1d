package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wyfcoding/fixengine/config"
	"github.com/wyfcoding/fixengine/connectivity/fix"
	"github.com/wyfcoding/fixengine/engine"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/config.toml", "path to config file")
	flag.Parse()

	var cfg config.Config
	if err := config.Load(configPath, &cfg); err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	config.PrintWithMask(&cfg)

	eng, err := engine.New(&cfg, fix.NopApplication{})
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		slog.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
}
