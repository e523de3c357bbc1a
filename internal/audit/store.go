// internal/audit/store.go
package audit

import (
	"context"
	"time"

	"github.com/unclebandit/smsforward/internal/model"
	"github.com/unclebandit/smsforward/internal/repository"
)

// DefaultRetention is how long events and diagnostics are kept.
const DefaultRetention = 7 * 24 * time.Hour

// Store is the audit log: event history plus diagnostic entries.
type Store struct {
	Events      repository.EventRepositoryInterface
	Diagnostics repository.DiagnosticRepositoryInterface
	Retention   time.Duration
	Now         func() time.Time
}

func NewStore(events repository.EventRepositoryInterface, diagnostics repository.DiagnosticRepositoryInterface) *Store {
	return &Store{
		Events:      events,
		Diagnostics: diagnostics,
		Retention:   DefaultRetention,
		Now:         time.Now,
	}
}

func (s *Store) RecordEvent(ctx context.Context, e *model.EventRecord) error {
	return s.Events.Create(ctx, e)
}

func (s *Store) GetEvent(ctx context.Context, id string) (*model.EventRecord, error) {
	return s.Events.GetByID(ctx, id)
}

// UpdateEventStatus is the single write a delivery cycle makes to a record.
func (s *Store) UpdateEventStatus(ctx context.Context, id, state string, targets []string, errMsg string) error {
	return s.Events.UpdateStatus(ctx, id, state, targets, errMsg)
}

func (s *Store) QueryEvents(ctx context.Context, f model.EventFilter) ([]model.EventRecord, error) {
	return s.Events.Query(ctx, f)
}

func (s *Store) EventStats(ctx context.Context) (model.EventStats, error) {
	return s.Events.Stats(ctx)
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	return s.Events.Delete(ctx, id)
}

func (s *Store) ClearEvents(ctx context.Context) error {
	return s.Events.Clear(ctx)
}

func (s *Store) ListDiagnostics(ctx context.Context, f model.DiagnosticFilter) ([]model.DiagnosticEntry, error) {
	return s.Diagnostics.List(ctx, f)
}

func (s *Store) ClearDiagnostics(ctx context.Context) error {
	return s.Diagnostics.Clear(ctx)
}

// PruneOlderThan drops diagnostics and event records older than cutoff.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) error {
	if _, err := s.Diagnostics.PruneOlderThan(ctx, cutoff); err != nil {
		return err
	}
	_, err := s.Events.PruneOlderThan(ctx, cutoff)
	return err
}

// PruneExpired applies the retention window relative to now.
func (s *Store) PruneExpired(ctx context.Context) error {
	return s.PruneOlderThan(ctx, s.Now().Add(-s.Retention))
}
