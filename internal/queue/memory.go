package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/smsforward/internal/logger"
	"github.com/unclebandit/smsforward/internal/metrics"
)

// InMemoryQueue runs each job in its own goroutine with retry and backoff.
// Nothing survives a restart.
type InMemoryQueue struct {
	opts Options

	mu      sync.Mutex
	jobs    map[string]*memJob
	waiting []string // keys enqueued before Run
	ctx     context.Context
	handler Handler
	sem     chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

type memJob struct {
	payload    []byte
	generation int
	// wake interrupts a backoff wait when the job is replaced.
	wake chan struct{}
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(opts Options) *InMemoryQueue {
	opts = opts.withDefaults()
	return &InMemoryQueue{
		opts: opts,
		jobs: make(map[string]*memJob),
		sem:  make(chan struct{}, opts.Workers),
	}
}

// Enqueue adds a job. One goroutine owns each key, so a replacement never
// runs alongside the copy it replaces: it starts once that attempt returns.
func (q *InMemoryQueue) Enqueue(_ context.Context, job Job, policy ExistingJobPolicy) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || (q.ctx != nil && q.ctx.Err() != nil) {
		return errors.New("queue closed")
	}

	existing, ok := q.jobs[job.Key]
	if ok {
		if policy == KeepExisting {
			return nil
		}
		existing.payload = job.Payload
		existing.generation++
		select {
		case existing.wake <- struct{}{}:
		default:
		}
		return nil
	}

	q.jobs[job.Key] = &memJob{payload: job.Payload, generation: 1, wake: make(chan struct{}, 1)}
	if q.handler == nil {
		q.waiting = append(q.waiting, job.Key)
		return nil
	}
	q.startLocked(job.Key)
	return nil
}

func (q *InMemoryQueue) startLocked(key string) {
	q.wg.Add(1)
	go q.processJob(key)
}

func (q *InMemoryQueue) Run(ctx context.Context, h Handler) error {
	q.mu.Lock()
	if q.handler != nil {
		q.mu.Unlock()
		return errors.New("queue already running")
	}
	q.ctx, q.handler = ctx, h
	for _, key := range q.waiting {
		if _, ok := q.jobs[key]; ok {
			q.startLocked(key)
		}
	}
	q.waiting = nil
	q.mu.Unlock()

	<-ctx.Done()
	q.wg.Wait()
	return nil
}

// next returns the live payload and generation for key.
func (q *InMemoryQueue) next(key string) (*memJob, []byte, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[key]
	if !ok {
		return nil, nil, 0, false
	}
	return j, j.payload, j.generation, true
}

// processJob handles retries and errors for one key until it succeeds,
// fails for good or the queue stops.
func (q *InMemoryQueue) processJob(key string) {
	defer q.wg.Done()

	lastGen, attempt := 0, 0
	for {
		select {
		case q.sem <- struct{}{}:
		case <-q.ctx.Done():
			return
		}
		mj, payload, gen, ok := q.next(key)
		if !ok {
			<-q.sem
			return
		}
		if gen != lastGen {
			lastGen, attempt = gen, 0
		}
		attempt++
		job := Job{Key: key, Payload: payload, Attempt: attempt}
		err := q.handler(q.ctx, job)
		<-q.sem

		q.mu.Lock()
		if mj.generation != gen {
			// Replaced while running: drop this outcome and run the new payload.
			q.mu.Unlock()
			select {
			case <-mj.wake:
			default:
			}
			continue
		}
		if err == nil {
			delete(q.jobs, key)
			q.mu.Unlock()
			metrics.Jobs.WithLabelValues("succeeded").Inc()
			logger.Debug("job processed", zap.String("key", key), zap.Int("attempt", attempt))
			return
		}
		if IsPermanent(err) || attempt >= q.opts.MaxAttempts {
			delete(q.jobs, key)
			q.mu.Unlock()
			metrics.Jobs.WithLabelValues("failed").Inc()
			logger.Warn("job permanently failed", zap.String("key", key), zap.Int("attempts", attempt), zap.Error(err))
			q.opts.giveUp(job, err)
			return
		}
		q.mu.Unlock()

		metrics.Jobs.WithLabelValues("retrying").Inc()
		delay := q.opts.backoff(attempt)
		logger.Info("job failed, retrying", zap.String("key", key), zap.Int("attempt", attempt),
			zap.Duration("backoff", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-mj.wake:
			timer.Stop()
		case <-q.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Pending reports how many unfinished jobs are held.
func (q *InMemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
