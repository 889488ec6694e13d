package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tumbleweedd/order_outbox/internal/app"
	"github.com/tumbleweedd/order_outbox/internal/config"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

func main() {
	cfg := config.InitConfig()

	log := logger.SetupLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	application, err := app.NewApp(ctx, log, &cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to create app: %v", err))
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		log.Error("application failed", logger.Err(runErr))
	}

	if err = application.Stop(); err != nil {
		panic(fmt.Sprintf("failed to stop app: %v", err))
	}

	if runErr != nil {
		os.Exit(1)
	}
}
