// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/smsforward/internal/audit"
	"github.com/unclebandit/smsforward/internal/cache"
	"github.com/unclebandit/smsforward/internal/config"
	"github.com/unclebandit/smsforward/internal/controller"
	"github.com/unclebandit/smsforward/internal/db"
	"github.com/unclebandit/smsforward/internal/dedup"
	"github.com/unclebandit/smsforward/internal/handler"
	"github.com/unclebandit/smsforward/internal/logger"
	"github.com/unclebandit/smsforward/internal/metrics"
	"github.com/unclebandit/smsforward/internal/queue"
	"github.com/unclebandit/smsforward/internal/repository"
	"github.com/unclebandit/smsforward/internal/service"
	"github.com/unclebandit/smsforward/internal/transport"
)

// App holds every long-lived component of the forwarder, built once at start.
type App struct {
	Config *config.Config

	DB       *db.DB
	Cache    *cache.ConfigCache
	Audit    *audit.Store
	Recorder *audit.Recorder
	Targets  *repository.TargetRepository
	Client   *transport.Client
	Queue    queue.Queue
	Dedup    dedup.Deduper

	Channels      *service.ChannelService
	Worker        *service.DeliveryWorker
	Listener      *service.Listener
	ConfigService *service.ConfigService

	wg sync.WaitGroup
}

// New opens the stores and wires the pipeline. Close releases everything.
func New(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.DB, err = db.Open(cfg.Database.DSN); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if a.Cache, err = cache.OpenFileCache(cfg.Cache.Dir); err != nil {
		return nil, fmt.Errorf("open config cache: %w", err)
	}

	a.Audit = audit.NewStore(&repository.EventRepository{DB: a.DB}, &repository.DiagnosticRepository{DB: a.DB})
	if cfg.Audit.Retention > 0 {
		a.Audit.Retention = cfg.Audit.Retention
	}
	a.Recorder = audit.NewRecorder(a.Audit, cfg.Audit.BufferSize)

	a.Targets = &repository.TargetRepository{DB: a.DB}
	a.Channels = service.NewChannelService(&repository.ChannelRepository{DB: a.DB})

	a.Client = transport.NewClient()
	if cfg.Probe.HTTPURL != "" {
		a.Client.HTTPProbeURL = cfg.Probe.HTTPURL
	}
	if cfg.Probe.SOCKSAddr != "" {
		a.Client.SOCKSProbeAddr = cfg.Probe.SOCKSAddr
	}

	a.Worker = service.NewDeliveryWorker(a.Targets, a.Audit, a.Client,
		service.NewMessageFormatter(cfg.Templates.Subject, cfg.Templates.Body), a.Recorder)

	a.Queue, err = queue.Open(cfg.Queue.DSN, queue.Options{
		Name:         cfg.Queue.Name,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BaseBackoff:  cfg.Queue.BaseBackoff,
		MaxBackoff:   cfg.Queue.MaxBackoff,
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollEvery,
		OnGiveUp:     a.Worker.GiveUp,
	}, a.DB)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	if a.Dedup, err = dedup.New(cfg.Dedup.Policy, cfg.Dedup.Window, cfg.Dedup.RedisURL); err != nil {
		return nil, err
	}

	a.Listener = service.NewListener(a.Channels, a.Audit, a.Queue, a.Dedup, a.Recorder, cfg.Listener.InboxSize)
	a.ConfigService = service.NewConfigService(a.Targets, a.Cache, a.Client, a.Channels, a.Recorder)

	ok = true
	return a, nil
}

// UsesBroker reports whether deliveries are consumed by a separate worker process.
func (a *App) UsesBroker() bool {
	scheme, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(a.Config.Queue.DSN)), "://")
	return scheme == "amqp" || scheme == "amqps"
}

// Bootstrap seeds channel placeholders and restores targets from the cache.
func (a *App) Bootstrap(ctx context.Context) error {
	if err := a.Channels.SetChannels(ctx, nil); err != nil {
		return fmt.Errorf("seed channels: %w", err)
	}
	n, err := a.ConfigService.RestoreFromCache(ctx)
	if err != nil {
		logger.Warn("restore from cache failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("restored targets from cache", zap.Int("count", n))
	}
	return nil
}

// Start runs the listener loop and retention sweeper, plus the delivery
// consumers when no broker is configured. Everything stops with ctx.
func (a *App) Start(ctx context.Context) {
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Listener.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		audit.RunSweeper(ctx, a.Audit, a.Config.Audit.SweepInterval)
	}()

	if !a.UsesBroker() {
		a.RunDeliveries(ctx)
	}
}

// RunDeliveries consumes the queue with the delivery worker in the background.
func (a *App) RunDeliveries(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Queue.Run(ctx, a.Worker.Handle); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("delivery queue stopped", zap.Error(err))
		}
	}()
}

// Router is the HTTP surface: collaborator API, health and metrics.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	handler.NewEventHandler(a.Listener, a.Audit).Routes(r)
	(&controller.ConfigController{ConfigService: a.ConfigService, ChannelService: a.Channels}).Routes(r)
	return r
}

// Wait blocks until the goroutines started by Start have returned.
func (a *App) Wait() {
	a.wg.Wait()
}

func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.Dedup != nil {
		_ = a.Dedup.Close()
	}
	if a.Recorder != nil {
		a.Recorder.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
