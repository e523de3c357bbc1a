package queue

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/smsforward/internal/db"
	"github.com/unclebandit/smsforward/internal/logger"
	"github.com/unclebandit/smsforward/internal/metrics"
)

// Job states in the delivery_jobs table. Succeeded rows are deleted.
const (
	stateEnqueued = "enqueued"
	stateRunning  = "running"
	stateRetrying = "retrying"
	stateFailed   = "failed"
)

// SQLQueue keeps jobs in the delivery_jobs table so they survive restarts.
// Workers poll for due rows and claim them with a conditional update.
type SQLQueue struct {
	db   *db.DB
	opts Options
	now  func() time.Time
	wake chan struct{}
}

func NewSQLQueue(store *db.DB, opts Options) *SQLQueue {
	return &SQLQueue{
		db:   store,
		opts: opts.withDefaults(),
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
}

func (q *SQLQueue) Enqueue(ctx context.Context, job Job, policy ExistingJobPolicy) error {
	now := q.now().UnixMilli()
	query := `
		INSERT INTO delivery_jobs (job_key, payload, state, attempts, generation, next_run_at, last_error, updated_at)
		VALUES (?, ?, ?, 0, 1, ?, '', ?)
		ON CONFLICT (job_key) DO UPDATE SET
			payload = excluded.payload,
			state = CASE WHEN delivery_jobs.state = '` + stateRunning + `' THEN delivery_jobs.state ELSE excluded.state END,
			attempts = 0,
			generation = delivery_jobs.generation + 1,
			next_run_at = excluded.next_run_at,
			last_error = '',
			updated_at = excluded.updated_at`
	if policy == KeepExisting {
		// Only a finished (failed) row may be overwritten.
		query += ` WHERE delivery_jobs.state = '` + stateFailed + `'`
	}
	if _, err := q.db.ExecContext(ctx, query, job.Key, string(job.Payload), stateEnqueued, now, now); err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run recovers rows left running by a crashed process, then polls with the
// configured number of workers.
func (q *SQLQueue) Run(ctx context.Context, h Handler) error {
	if err := q.recover(ctx); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, h)
		}()
	}
	wg.Wait()
	return nil
}

func (q *SQLQueue) recover(ctx context.Context) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE delivery_jobs SET state = ?, next_run_at = ?, updated_at = ?
		WHERE state = ?`, stateRetrying, q.now().UnixMilli(), q.now().UnixMilli(), stateRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Warn("recovered interrupted delivery jobs", zap.Int64("jobs", n))
	}
	return nil
}

func (q *SQLQueue) work(ctx context.Context, h Handler) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		for {
			if ctx.Err() != nil {
				return
			}
			claimed, err := q.runOne(ctx, h)
			if err != nil {
				logger.Error("delivery queue poll failed", zap.Error(err))
				break
			}
			if !claimed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

type claimedJob struct {
	Job
	generation int
}

func (q *SQLQueue) claim(ctx context.Context) (*claimedJob, error) {
	for {
		var (
			c       claimedJob
			payload string
		)
		err := q.db.QueryRowContext(ctx, `
			SELECT job_key, payload, attempts, generation FROM delivery_jobs
			WHERE state IN (?, ?) AND next_run_at <= ?
			ORDER BY next_run_at LIMIT 1`,
			stateEnqueued, stateRetrying, q.now().UnixMilli()).Scan(&c.Key, &payload, &c.Attempt, &c.generation)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		res, err := q.db.ExecContext(ctx, `
			UPDATE delivery_jobs SET state = ?, attempts = attempts + 1, updated_at = ?
			WHERE job_key = ? AND generation = ? AND state IN (?, ?)`,
			stateRunning, q.now().UnixMilli(), c.Key, c.generation, stateEnqueued, stateRetrying)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // another worker won it
		}
		c.Payload = []byte(payload)
		c.Attempt++
		return &c, nil
	}
}

func (q *SQLQueue) runOne(ctx context.Context, h Handler) (bool, error) {
	c, err := q.claim(ctx)
	if err != nil || c == nil {
		return false, err
	}

	herr := h(ctx, c.Job)
	// Finishing uses a fresh context so a shutdown mid-job still records the outcome.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var n int64
	switch {
	case herr == nil:
		var res sql.Result
		res, err = q.db.ExecContext(fctx, `DELETE FROM delivery_jobs WHERE job_key = ? AND generation = ?`, c.Key, c.generation)
		if err == nil {
			n, _ = res.RowsAffected()
		}
		metrics.Jobs.WithLabelValues("succeeded").Inc()
	case IsPermanent(herr) || c.Attempt >= q.opts.MaxAttempts:
		n, err = q.finish(fctx, c, stateFailed, q.now(), herr)
		metrics.Jobs.WithLabelValues("failed").Inc()
		logger.Warn("job permanently failed", zap.String("key", c.Key), zap.Int("attempts", c.Attempt), zap.Error(herr))
		if n > 0 {
			q.opts.giveUp(c.Job, herr)
		}
	default:
		delay := q.opts.backoff(c.Attempt)
		n, err = q.finish(fctx, c, stateRetrying, q.now().Add(delay), herr)
		metrics.Jobs.WithLabelValues("retrying").Inc()
		logger.Info("job failed, retrying", zap.String("key", c.Key), zap.Int("attempt", c.Attempt),
			zap.Duration("backoff", delay), zap.Error(herr))
	}
	if err == nil && n == 0 {
		err = q.release(fctx, c)
	}
	return true, err
}

// release makes a replacement that arrived while c was running claimable.
// It was held in the running state so it could not start alongside c.
func (q *SQLQueue) release(ctx context.Context, c *claimedJob) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE delivery_jobs SET state = ?, attempts = 0, next_run_at = ?, updated_at = ?
		WHERE job_key = ? AND generation <> ? AND state = ?`,
		stateEnqueued, q.now().UnixMilli(), q.now().UnixMilli(), c.Key, c.generation, stateRunning)
	if err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// finish moves the claimed row on; a replaced row (new generation) is left alone.
func (q *SQLQueue) finish(ctx context.Context, c *claimedJob, state string, next time.Time, herr error) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE delivery_jobs SET state = ?, next_run_at = ?, last_error = ?, updated_at = ?
		WHERE job_key = ? AND generation = ?`,
		state, next.UnixMilli(), herr.Error(), q.now().UnixMilli(), c.Key, c.generation)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats counts rows per state, for the CLI and tests.
func (q *SQLQueue) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM delivery_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{stateEnqueued: 0, stateRunning: 0, stateRetrying: 0, stateFailed: 0}
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

func (q *SQLQueue) Close() error { return nil }
