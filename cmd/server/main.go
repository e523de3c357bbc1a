// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/smsforward/internal/app"
	"github.com/unclebandit/smsforward/internal/config"
	"github.com/unclebandit/smsforward/internal/logger"
)

func main() {
	if err := run(); err != nil {
		logger.Error("server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("FORWARDER_CONFIG"))
	if err != nil {
		log.Printf("config: %v", err)
		return err
	}
	if err := logger.Init(cfg.Log.Path, cfg.Log.Level); err != nil {
		log.Printf("logger: %v", err)
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Bootstrap(ctx); err != nil {
		return err
	}
	a.Start(ctx)
	if a.UsesBroker() {
		logger.Info("deliveries are consumed by cmd/worker", zap.String("queue", cfg.Queue.Name))
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}()

	logger.Info("server running", zap.String("addr", cfg.HTTP.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	a.Wait()
	logger.Info("server stopped")
	return nil
}
