// internal/service/channel_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/logger"
	"github.com/unclebandit/smsforward/internal/model"
	"github.com/unclebandit/smsforward/internal/repository"
)

// ChannelSource reports the channels the platform currently has.
type ChannelSource interface {
	Channels(ctx context.Context) ([]model.Channel, error)
}

// ReportedChannel is what the platform tells us about one active subscription.
type ReportedChannel struct {
	SubscriptionID int
	model.Channel
}

type ChannelService struct {
	Repo repository.ChannelRepositoryInterface

	mu            sync.RWMutex
	subscriptions map[int]model.Channel
}

func NewChannelService(repo repository.ChannelRepositoryInterface) *ChannelService {
	return &ChannelService{Repo: repo, subscriptions: map[int]model.Channel{}}
}

func (s *ChannelService) ListChannels(ctx context.Context) ([]model.Channel, error) {
	return s.Repo.List(ctx)
}

func placeholderChannels() []model.Channel {
	return []model.Channel{
		{Slot: 0, DisplayName: "SIM卡 1", CarrierName: "未知运营商", Enabled: true, ChannelType: model.ChannelPhysical},
		{Slot: 1, DisplayName: "SIM卡 2", CarrierName: "未知运营商", Enabled: false, ChannelType: model.ChannelPhysical},
	}
}

// SetChannels replaces the stored set wholesale when the reported one differs
// in hardware. An empty report only seeds placeholders when nothing is stored.
func (s *ChannelService) SetChannels(ctx context.Context, fresh []model.Channel) error {
	stored, err := s.Repo.List(ctx)
	if err != nil {
		return err
	}

	if len(fresh) == 0 {
		if len(stored) > 0 {
			return nil
		}
		logger.Info("no channels reported, seeding placeholders")
		return s.Repo.ReplaceAll(ctx, placeholderChannels())
	}

	if model.SameHardware(fresh, stored) {
		return nil
	}

	logger.Info("channel set changed, replacing",
		zap.Int("stored", len(stored)),
		zap.Int("reported", len(fresh)),
	)
	return s.Repo.ReplaceAll(ctx, fresh)
}

// Refresh queries the platform and applies the result. A failed query counts
// as no channels reported.
func (s *ChannelService) Refresh(ctx context.Context, src ChannelSource) error {
	channels, err := src.Channels(ctx)
	if err != nil {
		logger.Warn("channel query failed", zap.Error(err))
		channels = nil
	}
	return s.SetChannels(ctx, channels)
}

// RefreshSubscriptions applies a platform report that also carries
// subscription ids and remembers those ids for event resolution.
func (s *ChannelService) RefreshSubscriptions(ctx context.Context, reported []ReportedChannel) error {
	subs := make(map[int]model.Channel, len(reported))
	channels := make([]model.Channel, 0, len(reported))
	for _, r := range reported {
		subs[r.SubscriptionID] = r.Channel
		channels = append(channels, r.Channel)
	}
	s.mu.Lock()
	s.subscriptions = subs
	s.mu.Unlock()
	return s.SetChannels(ctx, channels)
}

// IsEnabled is false for slots that are not stored.
func (s *ChannelService) IsEnabled(ctx context.Context, slot int) bool {
	c, err := s.Repo.GetBySlot(ctx, slot)
	if err != nil {
		var nf *appErrors.NotFoundError
		if !errors.As(err, &nf) {
			logger.Warn("channel lookup failed", zap.Int("slot", slot), zap.Error(err))
		}
		return false
	}
	return c.Enabled
}

func (s *ChannelService) SetChannelEnabled(ctx context.Context, slot int, enabled bool) error {
	if err := s.Repo.SetEnabled(ctx, slot, enabled); err != nil {
		return fmt.Errorf("set channel %d enabled=%t: %w", slot, enabled, err)
	}
	return nil
}

// Resolve maps a subscription id to the channel it was last reported on.
func (s *ChannelService) Resolve(subscriptionID int) (model.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.subscriptions[subscriptionID]
	return c, ok
}
