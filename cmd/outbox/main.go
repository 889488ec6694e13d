package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tumbleweedd/order_outbox/internal/app"
	"github.com/tumbleweedd/order_outbox/internal/config"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

// The standalone relay. With -once it drains a single batch and exits,
// which suits running it from a scheduler.
func main() {
	once := flag.Bool("once", false, "process one batch and exit")

	cfg := config.InitConfig()

	log := logger.SetupLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	application, err := app.NewRelayApp(ctx, log, &cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to create relay: %v", err))
	}

	if *once {
		res, batchErr := application.Relay.ProcessBatch(ctx)
		err = batchErr
		log.Info("relay batch done",
			slog.Int("selected", res.Selected),
			slog.Int("published", res.Published),
			slog.Int("failed", res.Failed),
			slog.Int("dead_lettered", res.DeadLettered),
			slog.Int("skipped", res.Skipped),
		)
	} else {
		err = application.Run(ctx)
	}

	if err != nil {
		log.Error("relay failed", logger.Err(err))
	}

	if stopErr := application.Stop(); stopErr != nil {
		panic(fmt.Sprintf("failed to stop relay: %v", stopErr))
	}

	if err != nil {
		os.Exit(1)
	}
}
