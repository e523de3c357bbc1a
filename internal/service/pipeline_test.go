package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsforward/internal/audit"
	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/model"
	"github.com/unclebandit/smsforward/internal/queue"
	"github.com/unclebandit/smsforward/internal/repository"
	"github.com/unclebandit/smsforward/internal/service"
)

// Inbound event through the queue to the record's final state, on sqlite.
func TestPipelineForwardsScenarioEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newTestDB(t)
	targetRepo := &repository.TargetRepository{DB: d}
	store := audit.NewStore(&repository.EventRepository{DB: d}, &repository.DiagnosticRepository{DB: d})
	recorder := audit.NewRecorder(store, 16)
	defer recorder.Close()

	channels := service.NewChannelService(&repository.ChannelRepository{DB: d})
	require.NoError(t, channels.SetChannels(ctx, nil))

	require.NoError(t, targetRepo.Create(ctx, &model.TransportTarget{
		ID: "t1", DisplayName: "Me", Address: "me@example.com",
		Host: "smtp.example.com", Port: 587, Enabled: true,
	}))

	sender := &MockSender{}
	worker := service.NewDeliveryWorker(targetRepo, store, sender, nil, recorder)
	q := queue.NewInMemoryQueue(queue.Options{MaxAttempts: 3, BaseBackoff: 5 * time.Millisecond})
	go func() { _ = q.Run(ctx, worker.Handle) }()

	listener := service.NewListener(channels, store, q, nil, recorder, 8)
	rec, err := listener.OnEvent(ctx, service.InboundEvent{
		Origin:  "+15551234567",
		Content: "OTP 482913",
		Slot:    intPtr(0),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetEvent(ctx, rec.ID)
		return err == nil && got.State == model.StateForwarded
	}, 2*time.Second, 10*time.Millisecond)

	got, err := store.GetEvent(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"me@example.com"}, got.TargetsNotified)
	require.Equal(t, 1, sender.Count())
	assert.Equal(t, "短信转发 - +15551234567", sender.Sent[0].Subject)
	assert.Contains(t, sender.Sent[0].Body, "OTP 482913")

	_, err = listener.OnEvent(ctx, service.InboundEvent{Origin: "x", Content: "y", Slot: intPtr(1)})
	assert.ErrorIs(t, err, appErrors.ErrGateRejected)
}

func TestPipelineRetriesThenFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newTestDB(t)
	targetRepo := &repository.TargetRepository{DB: d}
	store := audit.NewStore(&repository.EventRepository{DB: d}, &repository.DiagnosticRepository{DB: d})

	channels := service.NewChannelService(&repository.ChannelRepository{DB: d})
	require.NoError(t, channels.SetChannels(ctx, nil))
	require.NoError(t, targetRepo.Create(ctx, &model.TransportTarget{
		ID: "t1", Address: "me@example.com", Host: "smtp.example.com", Port: 587, Enabled: true,
	}))

	sender := &MockSender{Failures: map[string]error{
		"me@example.com": appErrors.NewTransportError(errors.New("connection refused")),
	}}
	worker := service.NewDeliveryWorker(targetRepo, store, sender, nil, nil)

	gaveUp := make(chan string, 1)
	q := queue.NewInMemoryQueue(queue.Options{
		MaxAttempts: 2,
		BaseBackoff: 5 * time.Millisecond,
		OnGiveUp:    func(job queue.Job, _ error) { gaveUp <- job.Key },
	})
	go func() { _ = q.Run(ctx, worker.Handle) }()

	listener := service.NewListener(channels, store, q, nil, nil, 8)
	rec, err := listener.OnEvent(ctx, service.InboundEvent{Origin: "a", Content: "b"})
	require.NoError(t, err)

	select {
	case key := <-gaveUp:
		assert.Equal(t, rec.ID, key)
	case <-time.After(2 * time.Second):
		t.Fatal("job never gave up")
	}

	got, err := store.GetEvent(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)
	assert.Contains(t, got.LastError, "connection refused")
}
