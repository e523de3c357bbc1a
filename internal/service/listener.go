// internal/service/listener.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/smsforward/internal/audit"
	"github.com/unclebandit/smsforward/internal/dedup"
	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/logger"
	"github.com/unclebandit/smsforward/internal/metrics"
	"github.com/unclebandit/smsforward/internal/model"
	"github.com/unclebandit/smsforward/internal/queue"
)

const listenerTag = "SmsListener"

// InboundEvent is one message as the platform delivered it.
// SubscriptionID and Slot are optional hints for channel resolution.
type InboundEvent struct {
	Origin         string    `json:"originAddress"`
	Content        string    `json:"content"`
	ReceivedAt     time.Time `json:"receivedAt"`
	SubscriptionID *int      `json:"subscriptionId,omitempty"`
	Slot           *int      `json:"slot,omitempty"`
}

// ChannelGate answers which channel an event came in on and whether it is enabled.
type ChannelGate interface {
	Resolve(subscriptionID int) (model.Channel, bool)
	IsEnabled(ctx context.Context, slot int) bool
}

// EventStore is the part of the audit log the listener and worker write to.
type EventStore interface {
	RecordEvent(ctx context.Context, e *model.EventRecord) error
	GetEvent(ctx context.Context, id string) (*model.EventRecord, error)
	UpdateEventStatus(ctx context.Context, id, state string, targets []string, errMsg string) error
}

type Listener struct {
	Channels    ChannelGate
	Events      EventStore
	Queue       queue.Queue
	Dedup       dedup.Deduper
	Diagnostics audit.Sink
	Now         func() time.Time

	inbox chan InboundEvent
}

func NewListener(channels ChannelGate, events EventStore, q queue.Queue, d dedup.Deduper, sink audit.Sink, inboxSize int) *Listener {
	if d == nil {
		d = dedup.None{}
	}
	if sink == nil {
		sink = audit.Discard
	}
	if inboxSize < 1 {
		inboxSize = 1
	}
	return &Listener{
		Channels:    channels,
		Events:      events,
		Queue:       q,
		Dedup:       d,
		Diagnostics: sink,
		Now:         time.Now,
		inbox:       make(chan InboundEvent, inboxSize),
	}
}

// resolveChannel prefers the subscription id, then an explicit slot, then slot 0.
func (l *Listener) resolveChannel(ev InboundEvent) (int, string) {
	if ev.SubscriptionID != nil {
		if c, ok := l.Channels.Resolve(*ev.SubscriptionID); ok {
			return c.Slot, c.ChannelType
		}
	}
	if ev.Slot != nil {
		return *ev.Slot, model.ChannelUnknown
	}
	return 0, model.ChannelUnknown
}

// OnEvent records and enqueues one inbound event. It returns the stored
// record, or ErrGateRejected / ErrDuplicateEvent when the event is dropped.
func (l *Listener) OnEvent(ctx context.Context, ev InboundEvent) (*model.EventRecord, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = l.Now()
	}
	slot, channelType := l.resolveChannel(ev)

	if !l.Channels.IsEnabled(ctx, slot) {
		metrics.EventsReceived.WithLabelValues("gated").Inc()
		l.Diagnostics.Record(model.LevelInfo, listenerTag, "channel disabled, message ignored",
			fmt.Sprintf("slot=%d origin=%s", slot, ev.Origin))
		return nil, appErrors.ErrGateRejected
	}

	seen, err := l.Dedup.Seen(ctx, dedup.Fingerprint(ev.Origin, ev.Content, ev.ReceivedAt))
	if err != nil {
		logger.Warn("duplicate check failed, accepting event", zap.Error(err))
	} else if seen {
		metrics.EventsReceived.WithLabelValues("duplicate").Inc()
		l.Diagnostics.Record(model.LevelInfo, listenerTag, "duplicate message ignored", "origin="+ev.Origin)
		return nil, appErrors.ErrDuplicateEvent
	}

	record := &model.EventRecord{
		ID:              uuid.NewString(),
		OriginAddress:   ev.Origin,
		Content:         ev.Content,
		ReceivedAt:      ev.ReceivedAt.UTC(),
		ChannelSlot:     slot,
		ChannelType:     channelType,
		State:           model.StatePending,
		TargetsNotified: []string{},
	}
	if err := l.Events.RecordEvent(ctx, record); err != nil {
		metrics.EventsReceived.WithLabelValues("error").Inc()
		l.Diagnostics.Record(model.LevelError, listenerTag, "failed to store message", err.Error())
		return nil, fmt.Errorf("record event: %w", err)
	}

	if err := l.enqueue(ctx, record, queue.KeepExisting); err != nil {
		metrics.EventsReceived.WithLabelValues("error").Inc()
		l.Diagnostics.Record(model.LevelError, listenerTag, "failed to schedule delivery", err.Error())
		return record, err
	}

	metrics.EventsReceived.WithLabelValues("accepted").Inc()
	l.Diagnostics.Record(model.LevelInfo, listenerTag, "message received",
		fmt.Sprintf("id=%s origin=%s slot=%d", record.ID, record.OriginAddress, slot))
	return record, nil
}

func (l *Listener) enqueue(ctx context.Context, record *model.EventRecord, policy queue.ExistingJobPolicy) error {
	payload, err := PayloadFromRecord(record).Encode()
	if err != nil {
		return err
	}
	if err := l.Queue.Enqueue(ctx, queue.Job{Key: record.ID, Payload: payload}, policy); err != nil {
		return fmt.Errorf("enqueue %s: %w", record.ID, err)
	}
	return nil
}

// Accept hands an event to the background loop without waiting.
// It returns false when the inbox is full.
func (l *Listener) Accept(ev InboundEvent) bool {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = l.Now()
	}
	select {
	case l.inbox <- ev:
		return true
	default:
		metrics.EventsReceived.WithLabelValues("overflow").Inc()
		logger.Warn("listener inbox full, event dropped", zap.String("origin", ev.Origin))
		return false
	}
}

// Run drains the inbox until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.inbox:
			_, err := l.OnEvent(ctx, ev)
			switch {
			case err == nil:
			case errors.Is(err, appErrors.ErrGateRejected), errors.Is(err, appErrors.ErrDuplicateEvent):
				logger.Debug("event dropped", zap.String("origin", ev.Origin), zap.Error(err))
			default:
				logger.Error("event handling failed", zap.String("origin", ev.Origin), zap.Error(err))
			}
		}
	}
}

// Resend resets a stored event to pending and schedules it again, replacing
// any delivery of it that is still queued.
func (l *Listener) Resend(ctx context.Context, id string) error {
	record, err := l.Events.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	// pending always means nothing delivered yet
	record.State, record.TargetsNotified, record.LastError = model.StatePending, []string{}, ""
	if err := l.Events.UpdateEventStatus(ctx, id, record.State, record.TargetsNotified, ""); err != nil {
		return fmt.Errorf("reset event %s: %w", id, err)
	}
	if err := l.enqueue(ctx, record, queue.ReplaceExisting); err != nil {
		l.Diagnostics.Record(model.LevelError, listenerTag, "failed to schedule resend", err.Error())
		return err
	}
	l.Diagnostics.Record(model.LevelInfo, listenerTag, "resend scheduled", "id="+id)
	return nil
}
