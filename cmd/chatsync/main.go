package main

import (
	"context"

	"chatsync/internal/app"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var version = "dev"

func main() {
	flags := config.ParseFlags()

	eff, err := config.LoadEffective(flags)
	if err != nil {
		logger.Init()
		shutdown.Abort("failed to load config", err)
	}
	logger.InitWithLevel(eff.Config.Logging.Level, eff.Config.Logging.Format)

	a, err := app.New(eff, version)
	if err != nil {
		shutdown.Abort("failed to initialize server", err)
	}

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server exited", err)
	}
}
