package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsforward/internal/db"
	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/model"
	"github.com/unclebandit/smsforward/internal/queue"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// Mock channel gate
type MockChannels struct {
	Enabled map[int]bool
	Subs    map[int]model.Channel
}

func (m *MockChannels) Resolve(id int) (model.Channel, bool) {
	c, ok := m.Subs[id]
	return c, ok
}

func (m *MockChannels) IsEnabled(_ context.Context, slot int) bool { return m.Enabled[slot] }

// Mock event store
type MockEvents struct {
	mu      sync.Mutex
	Records map[string]*model.EventRecord
	Updates int
}

func NewMockEvents() *MockEvents {
	return &MockEvents{Records: map[string]*model.EventRecord{}}
}

func (m *MockEvents) RecordEvent(_ context.Context, e *model.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.Records[e.ID] = &cp
	return nil
}

func (m *MockEvents) GetEvent(_ context.Context, id string) (*model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Records[id]
	if !ok {
		return nil, appErrors.NewNotFound("event", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MockEvents) UpdateEventStatus(_ context.Context, id, state string, targets []string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Records[id]
	if !ok {
		return appErrors.NewNotFound("event", id)
	}
	r.State = state
	r.TargetsNotified = targets
	r.LastError = errMsg
	m.Updates++
	return nil
}

func (m *MockEvents) Get(id string) model.EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.Records[id]
}

// Mock queue
type enqueued struct {
	Job    queue.Job
	Policy queue.ExistingJobPolicy
}

type MockQueue struct {
	mu   sync.Mutex
	Jobs []enqueued
	Err  error
}

func (m *MockQueue) Enqueue(_ context.Context, job queue.Job, policy queue.ExistingJobPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Jobs = append(m.Jobs, enqueued{Job: job, Policy: policy})
	return nil
}

func (m *MockQueue) Run(ctx context.Context, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

func (m *MockQueue) Close() error { return nil }

func (m *MockQueue) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Jobs)
}

// Mock targets
type MockTargets struct {
	Targets []model.TransportTarget
	Err     error
}

func (m *MockTargets) ListEnabled(context.Context) ([]model.TransportTarget, error) {
	return m.Targets, m.Err
}

// Mock sender, failing per address
type MockSender struct {
	mu       sync.Mutex
	Failures map[string]error
	Sent     []sentMail
}

type sentMail struct {
	To      string
	Subject string
	Body    string
}

func (m *MockSender) Send(_ context.Context, t *model.TransportTarget, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Failures[t.Address]; err != nil {
		return err
	}
	m.Sent = append(m.Sent, sentMail{To: t.Address, Subject: subject, Body: body})
	return nil
}

func (m *MockSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// Sink that keeps every entry
type entry struct {
	Level   model.LogLevel
	Tag     string
	Message string
}

type MemorySink struct {
	mu      sync.Mutex
	Entries []entry
}

func (s *MemorySink) Record(level model.LogLevel, tag, message, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Entries = append(s.Entries, entry{Level: level, Tag: tag, Message: message})
}

func (s *MemorySink) Count(level model.LogLevel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.Entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Mock prober
type MockProber struct {
	ConnErr  error
	ProxyMsg string
	ProxyErr error
	Probed   []string
}

func (m *MockProber) TestConnection(_ context.Context, t *model.TransportTarget) error {
	m.Probed = append(m.Probed, t.Address)
	return m.ConnErr
}

func (m *MockProber) TestProxy(_ context.Context, _ *model.TransportTarget) (string, error) {
	return m.ProxyMsg, m.ProxyErr
}

func intPtr(v int) *int { return &v }
