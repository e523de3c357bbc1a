// internal/service/config_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/smsforward/internal/audit"
	"github.com/unclebandit/smsforward/internal/cache"
	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/logger"
	"github.com/unclebandit/smsforward/internal/model"
	"github.com/unclebandit/smsforward/internal/repository"
)

const configTag = "ConfigService"

// TargetCache is the encrypted copy of the target set that outlives the primary store.
type TargetCache interface {
	Save(targets []model.TransportTarget) error
	Load() []model.TransportTarget
	Export() (string, bool)
}

// Prober runs the connectivity checks offered on the settings screen.
type Prober interface {
	TestConnection(ctx context.Context, target *model.TransportTarget) error
	TestProxy(ctx context.Context, target *model.TransportTarget) (string, error)
}

type ChannelToggler interface {
	SetChannelEnabled(ctx context.Context, slot int, enabled bool) error
}

// ConfigService is what the configuration collaborator calls.
type ConfigService struct {
	Targets     repository.TargetRepositoryInterface
	Cache       TargetCache
	Prober      Prober
	Channels    ChannelToggler
	Diagnostics audit.Sink

	syncMu sync.Mutex
}

func NewConfigService(targets repository.TargetRepositoryInterface, c TargetCache, prober Prober, channels ChannelToggler, sink audit.Sink) *ConfigService {
	if sink == nil {
		sink = audit.Discard
	}
	return &ConfigService{
		Targets:     targets,
		Cache:       c,
		Prober:      prober,
		Channels:    channels,
		Diagnostics: sink,
	}
}

// normalize fills in defaults and drops a proxy block that was never filled in.
func normalize(t *model.TransportTarget) {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Address = strings.TrimSpace(t.Address)
	t.Host = strings.TrimSpace(t.Host)
	if strings.TrimSpace(t.DisplayName) == "" {
		t.DisplayName = t.Address
	}
	if t.Proxy != nil && !t.Proxy.Enabled && strings.TrimSpace(t.Proxy.Host) == "" {
		t.Proxy = nil
	}
}

func (s *ConfigService) ListTargets(ctx context.Context) ([]model.TransportTarget, error) {
	return s.Targets.List(ctx)
}

func (s *ConfigService) GetTarget(ctx context.Context, id string) (*model.TransportTarget, error) {
	return s.Targets.GetByID(ctx, id)
}

func (s *ConfigService) AddTarget(ctx context.Context, t model.TransportTarget) (*model.TransportTarget, error) {
	normalize(&t)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := s.Targets.Create(ctx, &t); err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	s.Diagnostics.Record(model.LevelInfo, configTag, "email target added", t.Address)
	s.syncCache(ctx)
	return &t, nil
}

func (s *ConfigService) UpdateTarget(ctx context.Context, t model.TransportTarget) (*model.TransportTarget, error) {
	if strings.TrimSpace(t.ID) == "" {
		return nil, appErrors.NewValidationError("ID", "is required")
	}
	normalize(&t)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := s.Targets.Update(ctx, &t); err != nil {
		return nil, err
	}
	s.Diagnostics.Record(model.LevelInfo, configTag, "email target updated", t.Address)
	s.syncCache(ctx)
	return &t, nil
}

func (s *ConfigService) DeleteTarget(ctx context.Context, id string) error {
	if err := s.Targets.Delete(ctx, id); err != nil {
		return err
	}
	s.Diagnostics.Record(model.LevelInfo, configTag, "email target deleted", id)
	s.syncCache(ctx)
	return nil
}

// ToggleTarget flips the enabled flag and returns the updated target.
func (s *ConfigService) ToggleTarget(ctx context.Context, id string) (*model.TransportTarget, error) {
	t, err := s.Targets.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Enabled = !t.Enabled
	if err := s.Targets.Update(ctx, t); err != nil {
		return nil, err
	}
	s.syncCache(ctx)
	return t, nil
}

func (s *ConfigService) SetChannelEnabled(ctx context.Context, slot int, enabled bool) error {
	if err := s.Channels.SetChannelEnabled(ctx, slot, enabled); err != nil {
		return err
	}
	s.Diagnostics.Record(model.LevelInfo, configTag, "channel gate changed", fmt.Sprintf("slot=%d enabled=%t", slot, enabled))
	return nil
}

// syncCache rewrites the encrypted cache from the primary store. Failures
// are logged; the mutation that triggered the sync has already succeeded.
func (s *ConfigService) syncCache(ctx context.Context) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	targets, err := s.Targets.List(ctx)
	if err != nil {
		logger.Warn("config cache sync skipped", zap.Error(err))
		return
	}
	if err := s.Cache.Save(targets); err != nil {
		logger.Warn("config cache sync failed", zap.Error(err))
		s.Diagnostics.Record(model.LevelWarn, configTag, "config cache sync failed", err.Error())
	}
}

// ExportConfig returns the backup text, or false when no targets are cached.
func (s *ConfigService) ExportConfig() (string, bool) {
	return s.Cache.Export()
}

// ImportConfig replaces every target with the ones in the backup text. A
// bundle that fails to decode or validate changes nothing.
func (s *ConfigService) ImportConfig(ctx context.Context, text string) ([]model.TransportTarget, error) {
	b, err := cache.DecodeBundle(text)
	if err != nil {
		s.Diagnostics.Record(model.LevelWarn, configTag, "config import rejected", err.Error())
		return nil, err
	}
	targets := b.Configs
	for i := range targets {
		normalize(&targets[i])
		if err := targets[i].Validate(); err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
	}
	if err := s.Targets.ReplaceAll(ctx, targets); err != nil {
		return nil, fmt.Errorf("replace targets: %w", err)
	}
	if err := s.Cache.Save(targets); err != nil {
		logger.Warn("config cache write after import failed", zap.Error(err))
	}
	s.Diagnostics.Record(model.LevelInfo, configTag, "config imported", fmt.Sprintf("targets=%d", len(targets)))
	return targets, nil
}

// TestTarget opens an authenticated session against the target without sending.
func (s *ConfigService) TestTarget(ctx context.Context, t model.TransportTarget) error {
	normalize(&t)
	if err := t.Validate(); err != nil {
		return err
	}
	if err := s.Prober.TestConnection(ctx, &t); err != nil {
		s.Diagnostics.Record(model.LevelWarn, configTag, "connection test failed: "+t.Address, err.Error())
		return err
	}
	s.Diagnostics.Record(model.LevelInfo, configTag, "connection test passed: "+t.Address, "")
	return nil
}

// TestProxyReachability checks only the target's proxy.
func (s *ConfigService) TestProxyReachability(ctx context.Context, t model.TransportTarget) (string, error) {
	normalize(&t)
	if t.Proxy != nil {
		if err := t.Proxy.Validate(); err != nil {
			return "", err
		}
	}
	msg, err := s.Prober.TestProxy(ctx, &t)
	if err != nil {
		s.Diagnostics.Record(model.LevelWarn, configTag, "proxy test failed", err.Error())
		return "", err
	}
	return msg, nil
}

// RestoreFromCache seeds an empty primary store from the encrypted cache and
// returns how many targets were restored.
func (s *ConfigService) RestoreFromCache(ctx context.Context) (int, error) {
	n, err := s.Targets.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	cached := s.Cache.Load()
	if len(cached) == 0 {
		return 0, nil
	}
	if err := s.Targets.ReplaceAll(ctx, cached); err != nil {
		return 0, fmt.Errorf("restore targets: %w", err)
	}
	logger.Info("targets restored from cache", zap.Int("count", len(cached)))
	s.Diagnostics.Record(model.LevelInfo, configTag, "targets restored from cache", fmt.Sprintf("count=%d", len(cached)))
	return len(cached), nil
}
