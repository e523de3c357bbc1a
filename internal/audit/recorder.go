// internal/audit/recorder.go
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/smsforward/internal/logger"
	"github.com/unclebandit/smsforward/internal/metrics"
	"github.com/unclebandit/smsforward/internal/model"
)

// Sink is what components log diagnostics to. Calls never block and never fail.
type Sink interface {
	Record(level model.LogLevel, tag, message, detail string)
}

// Discard drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(model.LogLevel, string, string, string) {}

// Recorder buffers diagnostics and writes them from one background goroutine.
// When the buffer is full the oldest pending entry is dropped.
type Recorder struct {
	store *Store

	mu     sync.RWMutex
	closed bool
	ch     chan model.DiagnosticEntry
	done   chan struct{}
}

func NewRecorder(store *Store, buffer int) *Recorder {
	if buffer < 1 {
		buffer = 1
	}
	r := &Recorder{
		store: store,
		ch:    make(chan model.DiagnosticEntry, buffer),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) Record(level model.LogLevel, tag, message, detail string) {
	entry := model.DiagnosticEntry{
		Timestamp: r.store.Now().UTC(),
		Level:     level,
		Tag:       tag,
		Message:   message,
		Detail:    detail,
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		mirror(entry)
		return
	}
	for {
		select {
		case r.ch <- entry:
			return
		default:
		}
		select {
		case <-r.ch:
			metrics.DiagnosticsDropped.Inc()
		default:
		}
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for entry := range r.ch {
		r.write(entry)
	}
}

func (r *Recorder) write(entry model.DiagnosticEntry) {
	mirror(entry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Diagnostics.Insert(ctx, &entry); err != nil {
		logger.Error("failed to write diagnostic", zap.String("tag", entry.Tag), zap.Error(err))
		return
	}
	if err := r.store.PruneExpired(ctx); err != nil {
		logger.Error("failed to prune audit log", zap.Error(err))
	}
}

// Close stops accepting entries and waits until the buffer is written out.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
}

func mirror(e model.DiagnosticEntry) {
	fields := []zap.Field{zap.String("tag", e.Tag)}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	switch e.Level {
	case model.LevelError:
		logger.Error(e.Message, fields...)
	case model.LevelWarn:
		logger.Warn(e.Message, fields...)
	case model.LevelDebug:
		logger.Debug(e.Message, fields...)
	default:
		logger.Info(e.Message, fields...)
	}
}

// RunSweeper prunes expired rows every interval until ctx is done.
func RunSweeper(ctx context.Context, store *Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.PruneExpired(ctx); err != nil {
				logger.Warn("retention sweep failed", zap.Error(err))
			}
		}
	}
}
