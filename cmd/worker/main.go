package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/smsforward/internal/app"
	"github.com/unclebandit/smsforward/internal/config"
	"github.com/unclebandit/smsforward/internal/logger"
)

// The worker consumes delivery jobs from RabbitMQ and runs the delivery
// worker against the shared database. The server only publishes.
func main() {
	cfg, err := config.Load(os.Getenv("FORWARDER_CONFIG"))
	if err != nil {
		log.Fatal("failed to load config:", err)
	}
	if err := logger.Init(cfg.Log.Path, cfg.Log.Level); err != nil {
		log.Fatal("failed to init logger:", err)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("worker exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.UsesBroker() {
		return fmt.Errorf("queue.dsn %q is not a broker; the server runs deliveries itself", cfg.Queue.DSN)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker running, waiting for messages...", zap.String("queue", cfg.Queue.Name))
	a.RunDeliveries(ctx)
	a.Wait()
	return nil
}
