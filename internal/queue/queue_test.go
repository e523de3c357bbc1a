package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsforward/internal/db"
)

func fastOptions() Options {
	return Options{
		MaxAttempts:  3,
		BaseBackoff:  5 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
	}
}

type backend struct {
	name string
	make func(t *testing.T, opts Options) Queue
}

func backends() []backend {
	return []backend{
		{"memory", func(_ *testing.T, opts Options) Queue { return NewInMemoryQueue(opts) }},
		{"sql", func(t *testing.T, opts Options) Queue {
			d, err := db.OpenSQLite(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = d.Close() })
			return NewSQLQueue(d, opts)
		}},
	}
}

func runQueue(t *testing.T, q Queue, h Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, h)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	o := Options{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}.withDefaults()
	assert.Equal(t, time.Second, o.backoff(1))
	assert.Equal(t, 2*time.Second, o.backoff(2))
	assert.Equal(t, 4*time.Second, o.backoff(3))
	assert.Equal(t, 5*time.Second, o.backoff(4))
	assert.Equal(t, 5*time.Second, o.backoff(30))
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestOpenSchemes(t *testing.T) {
	q, err := Open("memory://", Options{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &InMemoryQueue{}, q)

	_, err = Open("sql://", Options{}, nil)
	assert.Error(t, err)

	_, err = Open("kafka://broker", Options{}, nil)
	assert.Error(t, err)
}

func TestQueueRetriesUntilSuccess(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			q := b.make(t, fastOptions())
			var calls atomic.Int32
			done := make(chan Job, 1)

			runQueue(t, q, func(_ context.Context, job Job) error {
				if calls.Add(1) < 3 {
					return errors.New("smtp down")
				}
				done <- job
				return nil
			})
			require.NoError(t, q.Enqueue(context.Background(), Job{Key: "e1", Payload: []byte(`{"eventId":"e1"}`)}, KeepExisting))

			select {
			case job := <-done:
				assert.Equal(t, 3, job.Attempt)
				assert.JSONEq(t, `{"eventId":"e1"}`, string(job.Payload))
			case <-time.After(2 * time.Second):
				t.Fatal("job never succeeded")
			}
		})
	}
}

func TestQueueGivesUpAfterMaxAttempts(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			opts := fastOptions()
			gaveUp := make(chan Job, 1)
			opts.OnGiveUp = func(job Job, _ error) { gaveUp <- job }
			q := b.make(t, opts)
			var calls atomic.Int32

			runQueue(t, q, func(context.Context, Job) error {
				calls.Add(1)
				return errors.New("always")
			})
			require.NoError(t, q.Enqueue(context.Background(), Job{Key: "e2", Payload: []byte("{}")}, KeepExisting))

			select {
			case job := <-gaveUp:
				assert.Equal(t, 3, job.Attempt)
			case <-time.After(2 * time.Second):
				t.Fatal("job never gave up")
			}
			assert.EqualValues(t, 3, calls.Load())
		})
	}
}

func TestQueuePermanentErrorDoesNotRetry(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			opts := fastOptions()
			gaveUp := make(chan struct{}, 1)
			opts.OnGiveUp = func(Job, error) { gaveUp <- struct{}{} }
			q := b.make(t, opts)
			var calls atomic.Int32

			runQueue(t, q, func(context.Context, Job) error {
				calls.Add(1)
				return Permanent(errors.New("undecodable"))
			})
			require.NoError(t, q.Enqueue(context.Background(), Job{Key: "e3", Payload: []byte("{}")}, KeepExisting))

			select {
			case <-gaveUp:
			case <-time.After(2 * time.Second):
				t.Fatal("no give-up")
			}
			assert.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestKeepExistingDropsSecondEnqueue(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			q := b.make(t, fastOptions())
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, Job{Key: "k", Payload: []byte("first")}, KeepExisting))
			require.NoError(t, q.Enqueue(ctx, Job{Key: "k", Payload: []byte("second")}, KeepExisting))

			var (
				mu   sync.Mutex
				seen []string
			)
			runQueue(t, q, func(_ context.Context, job Job) error {
				mu.Lock()
				seen = append(seen, string(job.Payload))
				mu.Unlock()
				return nil
			})
			assert.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(seen) == 1
			}, time.Second, 5*time.Millisecond)
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			assert.Equal(t, []string{"first"}, seen)
			mu.Unlock()
		})
	}
}

func TestReplaceExistingSupersedesPendingPayload(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			q := b.make(t, fastOptions())
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, Job{Key: "k", Payload: []byte("old")}, KeepExisting))
			require.NoError(t, q.Enqueue(ctx, Job{Key: "k", Payload: []byte("new")}, ReplaceExisting))

			got := make(chan string, 4)
			runQueue(t, q, func(_ context.Context, job Job) error {
				got <- string(job.Payload)
				return nil
			})
			select {
			case p := <-got:
				assert.Equal(t, "new", p)
			case <-time.After(time.Second):
				t.Fatal("job never ran")
			}
			time.Sleep(30 * time.Millisecond)
			assert.Empty(t, got, "replaced payload must not run")
		})
	}
}

func TestReplaceWhileRunningWaitsForRunningCopy(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			q := b.make(t, fastOptions())
			ctx := context.Background()
			release := make(chan struct{})
			started := make(chan struct{}, 1)
			var (
				mu         sync.Mutex
				runs       []string
				attempts   []int
				active     int
				maxActive  int
				lastWriter string
			)

			runQueue(t, q, func(_ context.Context, job Job) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				runs = append(runs, string(job.Payload))
				attempts = append(attempts, job.Attempt)
				mu.Unlock()

				if string(job.Payload) == "stale" {
					started <- struct{}{}
					<-release
				}

				mu.Lock()
				active--
				lastWriter = string(job.Payload)
				mu.Unlock()
				if string(job.Payload) == "stale" {
					return errors.New("stale copy failed")
				}
				return nil
			})
			require.NoError(t, q.Enqueue(ctx, Job{Key: "k", Payload: []byte("stale")}, KeepExisting))
			<-started
			require.NoError(t, q.Enqueue(ctx, Job{Key: "k", Payload: []byte("fresh")}, ReplaceExisting))

			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			assert.Equal(t, []string{"stale"}, runs, "replacement must wait for the running copy")
			mu.Unlock()

			close(release)
			assert.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(runs) == 2 && active == 0
			}, time.Second, 5*time.Millisecond)

			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []string{"stale", "fresh"}, runs, "the stale failure must not schedule a retry")
			assert.Equal(t, []int{1, 1}, attempts)
			assert.Equal(t, 1, maxActive)
			assert.Equal(t, "fresh", lastWriter)
		})
	}
}

func TestSQLQueueRecoversRunningRows(t *testing.T) {
	d, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	ctx := context.Background()

	q := NewSQLQueue(d, fastOptions())
	require.NoError(t, q.Enqueue(ctx, Job{Key: "crashed", Payload: []byte("{}")}, KeepExisting))
	// Simulate a process that died mid-job.
	_, err = d.ExecContext(ctx, `UPDATE delivery_jobs SET state = 'running', attempts = 1`)
	require.NoError(t, err)

	got := make(chan Job, 1)
	runQueue(t, q, func(_ context.Context, job Job) error {
		got <- job
		return nil
	})
	select {
	case job := <-got:
		assert.Equal(t, "crashed", job.Key)
		assert.Equal(t, 2, job.Attempt)
	case <-time.After(time.Second):
		t.Fatal("running row was not recovered")
	}
	assert.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats[stateRunning] == 0 && stats[stateEnqueued] == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSQLQueueKeepReplacesFailedRow(t *testing.T) {
	d, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	ctx := context.Background()

	q := NewSQLQueue(d, fastOptions())
	require.NoError(t, q.Enqueue(ctx, Job{Key: "k", Payload: []byte("a")}, KeepExisting))
	_, err = d.ExecContext(ctx, `UPDATE delivery_jobs SET state = 'failed'`)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, Job{Key: "k", Payload: []byte("b")}, KeepExisting))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[stateEnqueued])
	assert.Equal(t, 0, stats[stateFailed])
}

func TestGenerationsDropStaleMessages(t *testing.T) {
	g := generations{}
	assert.True(t, g.observe("k", 10))
	assert.True(t, g.observe("k", 10), "a retry of the same generation is still live")
	assert.True(t, g.observe("k", 20))
	assert.False(t, g.observe("k", 10))
}

func TestGenerationsOnlyKnowWhatTheyHaveSeen(t *testing.T) {
	// FIFO order: the superseded message arrives before its replacement,
	// so both are judged live.
	g := generations{}
	assert.True(t, g.observe("k", 10))
	assert.True(t, g.observe("k", 20))
	assert.True(t, g.observe("other", 5), "keys are tracked independently")
}

func TestHeaderIntWidths(t *testing.T) {
	assert.EqualValues(t, 3, headerInt(int32(3)))
	assert.EqualValues(t, 3, headerInt(int64(3)))
	assert.EqualValues(t, 3, headerInt(3))
	assert.EqualValues(t, 0, headerInt("3"))
	assert.EqualValues(t, 0, headerInt(nil))
}
