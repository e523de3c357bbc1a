package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsforward/internal/dedup"
	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/model"
	"github.com/unclebandit/smsforward/internal/queue"
	"github.com/unclebandit/smsforward/internal/service"
)

func newListener(channels *MockChannels, events *MockEvents, q *MockQueue, d dedup.Deduper, sink *MemorySink) *service.Listener {
	return service.NewListener(channels, events, q, d, sink, 4)
}

func TestOnEventDisabledChannelCreatesNothing(t *testing.T) {
	events := NewMockEvents()
	q := &MockQueue{}
	sink := &MemorySink{}
	l := newListener(&MockChannels{Enabled: map[int]bool{0: true, 1: false}}, events, q, nil, sink)

	rec, err := l.OnEvent(context.Background(), service.InboundEvent{
		Origin:  "+15550001111",
		Content: "hello",
		Slot:    intPtr(1),
	})

	assert.Nil(t, rec)
	assert.ErrorIs(t, err, appErrors.ErrGateRejected)
	assert.Empty(t, events.Records)
	assert.Zero(t, q.Len())
	assert.Equal(t, 1, sink.Count(model.LevelInfo))
}

func TestOnEventUnknownSlotIsGated(t *testing.T) {
	l := newListener(&MockChannels{Enabled: map[int]bool{0: true}}, NewMockEvents(), &MockQueue{}, nil, &MemorySink{})

	_, err := l.OnEvent(context.Background(), service.InboundEvent{Origin: "x", Slot: intPtr(7)})
	assert.ErrorIs(t, err, appErrors.ErrGateRejected)
}

func TestOnEventRecordsAndEnqueuesWithKeepPolicy(t *testing.T) {
	events := NewMockEvents()
	q := &MockQueue{}
	channels := &MockChannels{
		Enabled: map[int]bool{1: true},
		Subs:    map[int]model.Channel{42: {Slot: 1, ChannelType: model.ChannelVirtual}},
	}
	l := newListener(channels, events, q, nil, &MemorySink{})
	at := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

	rec, err := l.OnEvent(context.Background(), service.InboundEvent{
		Origin:         "+15551234567",
		Content:        "OTP 482913",
		ReceivedAt:     at,
		SubscriptionID: intPtr(42),
	})
	require.NoError(t, err)

	stored := events.Get(rec.ID)
	assert.Equal(t, model.StatePending, stored.State)
	assert.Empty(t, stored.TargetsNotified)
	assert.Equal(t, 1, stored.ChannelSlot)
	assert.Equal(t, model.ChannelVirtual, stored.ChannelType)

	require.Equal(t, 1, q.Len())
	assert.Equal(t, rec.ID, q.Jobs[0].Job.Key)
	assert.Equal(t, queue.KeepExisting, q.Jobs[0].Policy)

	p, err := service.DecodePayload(q.Jobs[0].Job.Payload)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, p.EventID)
	assert.Equal(t, at.UnixMilli(), p.Timestamp)
	assert.Equal(t, "OTP 482913", p.Content)
}

func TestOnEventFallsBackToUnknownChannel(t *testing.T) {
	events := NewMockEvents()
	l := newListener(&MockChannels{Enabled: map[int]bool{0: true}}, events, &MockQueue{}, nil, &MemorySink{})

	rec, err := l.OnEvent(context.Background(), service.InboundEvent{
		Origin:         "bank",
		Content:        "hi",
		SubscriptionID: intPtr(99),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ChannelSlot)
	assert.Equal(t, model.ChannelUnknown, rec.ChannelType)
}

func TestOnEventDuplicatePolicy(t *testing.T) {
	events := NewMockEvents()
	q := &MockQueue{}
	l := newListener(&MockChannels{Enabled: map[int]bool{0: true}}, events, q, dedup.NewMemory(time.Minute), &MemorySink{})
	ev := service.InboundEvent{Origin: "a", Content: "b", ReceivedAt: time.UnixMilli(1_700_000_000_000)}

	_, err := l.OnEvent(context.Background(), ev)
	require.NoError(t, err)
	_, err = l.OnEvent(context.Background(), ev)
	assert.ErrorIs(t, err, appErrors.ErrDuplicateEvent)

	assert.Len(t, events.Records, 1)
	assert.Equal(t, 1, q.Len())
}

func TestOnEventWithoutDedupCreatesDistinctRecords(t *testing.T) {
	events := NewMockEvents()
	l := newListener(&MockChannels{Enabled: map[int]bool{0: true}}, events, &MockQueue{}, nil, &MemorySink{})
	ev := service.InboundEvent{Origin: "a", Content: "b", ReceivedAt: time.UnixMilli(1_700_000_000_000)}

	first, err := l.OnEvent(context.Background(), ev)
	require.NoError(t, err)
	second, err := l.OnEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestOnEventEnqueueFailureKeepsPendingRecord(t *testing.T) {
	events := NewMockEvents()
	sink := &MemorySink{}
	l := newListener(&MockChannels{Enabled: map[int]bool{0: true}}, events, &MockQueue{Err: errors.New("broker down")}, nil, sink)

	rec, err := l.OnEvent(context.Background(), service.InboundEvent{Origin: "a", Content: "b"})
	assert.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.StatePending, events.Get(rec.ID).State)
	assert.Equal(t, 1, sink.Count(model.LevelError))
}

func TestAcceptIsBoundedAndRunDrains(t *testing.T) {
	events := NewMockEvents()
	q := &MockQueue{}
	l := service.NewListener(&MockChannels{Enabled: map[int]bool{0: true}}, events, q, nil, nil, 2)

	assert.True(t, l.Accept(service.InboundEvent{Origin: "1"}))
	assert.True(t, l.Accept(service.InboundEvent{Origin: "2"}))
	assert.False(t, l.Accept(service.InboundEvent{Origin: "3"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestResendResetsAndReplaces(t *testing.T) {
	events := NewMockEvents()
	q := &MockQueue{}
	l := newListener(&MockChannels{Enabled: map[int]bool{0: true}}, events, q, nil, &MemorySink{})

	rec, err := l.OnEvent(context.Background(), service.InboundEvent{Origin: "a", Content: "b"})
	require.NoError(t, err)
	require.NoError(t, events.UpdateEventStatus(context.Background(), rec.ID, model.StateFailed, []string{}, "auth failed"))

	require.NoError(t, l.Resend(context.Background(), rec.ID))

	stored := events.Get(rec.ID)
	assert.Equal(t, model.StatePending, stored.State)
	assert.Empty(t, stored.LastError)
	require.Equal(t, 2, q.Len())
	assert.Equal(t, rec.ID, q.Jobs[1].Job.Key)
	assert.Equal(t, queue.ReplaceExisting, q.Jobs[1].Policy)
}

func TestResendOfForwardedEventClearsTargets(t *testing.T) {
	events := NewMockEvents()
	q := &MockQueue{}
	l := newListener(&MockChannels{Enabled: map[int]bool{0: true}}, events, q, nil, &MemorySink{})

	rec, err := l.OnEvent(context.Background(), service.InboundEvent{Origin: "a", Content: "b"})
	require.NoError(t, err)
	require.NoError(t, events.UpdateEventStatus(context.Background(), rec.ID, model.StateForwarded, []string{"me@example.com"}, ""))

	require.NoError(t, l.Resend(context.Background(), rec.ID))

	stored := events.Get(rec.ID)
	assert.Equal(t, model.StatePending, stored.State)
	assert.NotNil(t, stored.TargetsNotified)
	assert.Empty(t, stored.TargetsNotified)
}

func TestResendUnknownEvent(t *testing.T) {
	l := newListener(&MockChannels{}, NewMockEvents(), &MockQueue{}, nil, &MemorySink{})
	var nf *appErrors.NotFoundError
	assert.ErrorAs(t, l.Resend(context.Background(), "missing"), &nf)
}
