package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/smsforward/internal/audit"
	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/logger"
	"github.com/unclebandit/smsforward/internal/metrics"
	"github.com/unclebandit/smsforward/internal/model"
	"github.com/unclebandit/smsforward/internal/queue"
)

const workerTag = "EmailSendingWorker"

// TargetLister returns the targets a delivery goes to, in display-name order.
type TargetLister interface {
	ListEnabled(ctx context.Context) ([]model.TransportTarget, error)
}

// Sender delivers one message to one target.
type Sender interface {
	Send(ctx context.Context, target *model.TransportTarget, subject, body string) error
}

// DeliveryWorker sends one queued event to every enabled target
type DeliveryWorker struct {
	Targets     TargetLister
	Events      EventStore
	Sender      Sender
	Formatter   *MessageFormatter
	Diagnostics audit.Sink
}

// Constructor
func NewDeliveryWorker(targets TargetLister, events EventStore, sender Sender, formatter *MessageFormatter, sink audit.Sink) *DeliveryWorker {
	if formatter == nil {
		formatter = NewMessageFormatter("", "")
	}
	if sink == nil {
		sink = audit.Discard
	}
	return &DeliveryWorker{
		Targets:     targets,
		Events:      events,
		Sender:      sender,
		Formatter:   formatter,
		Diagnostics: sink,
	}
}

// Handle is a queue.Handler. A nil return ends the job; an error asks for a
// retry unless it is permanent.
func (w *DeliveryWorker) Handle(ctx context.Context, job queue.Job) error {
	p, err := DecodePayload(job.Payload)
	if err != nil {
		w.Diagnostics.Record(model.LevelError, workerTag, "invalid job payload", err.Error())
		return queue.Permanent(fmt.Errorf("decode payload %s: %w", job.Key, err))
	}

	targets, err := w.Targets.ListEnabled(ctx)
	if err != nil {
		w.Diagnostics.Record(model.LevelError, workerTag, "failed to load targets", err.Error())
		return fmt.Errorf("list targets: %w", err)
	}
	if len(targets) == 0 {
		w.Diagnostics.Record(model.LevelWarn, workerTag, "no enabled email targets", "id="+p.EventID)
		logger.Info("nothing to deliver", zap.String("event", p.EventID), zap.Error(appErrors.ErrNoTargetsConfigured))
		return nil
	}

	w.Diagnostics.Record(model.LevelInfo, workerTag, "delivery started",
		fmt.Sprintf("id=%s attempt=%d targets=%d", p.EventID, job.Attempt, len(targets)))

	subject, body := w.Formatter.Format(p)

	notified := []string{}
	var lastErr error
	for i := range targets {
		t := &targets[i]
		start := time.Now()
		err := w.Sender.Send(ctx, t, subject, body)
		metrics.ObserveDelivery(start, err)
		if err != nil {
			lastErr = err
			w.Diagnostics.Record(model.LevelError, workerTag, "send failed: "+t.Address, err.Error())
			continue
		}
		notified = append(notified, t.Address)
		w.Diagnostics.Record(model.LevelInfo, workerTag, "sent to "+t.Address, "id="+p.EventID)
	}

	errMsg := ""
	if len(notified) == 0 && lastErr != nil {
		errMsg = lastErr.Error()
	}
	if err := w.Events.UpdateEventStatus(ctx, p.EventID, model.StateFor(notified), notified, errMsg); err != nil {
		w.Diagnostics.Record(model.LevelError, workerTag, "failed to update event", err.Error())
		logger.Error("status write failed", zap.String("event", p.EventID), zap.Error(err))
	}

	if len(notified) == 0 {
		return fmt.Errorf("no target accepted event %s: %w", p.EventID, lastErr)
	}
	return nil
}

// GiveUp is wired as the queue's OnGiveUp hook.
func (w *DeliveryWorker) GiveUp(job queue.Job, err error) {
	w.Diagnostics.Record(model.LevelError, workerTag, "delivery abandoned",
		fmt.Sprintf("id=%s attempts=%d: %v", job.Key, job.Attempt, err))
}
