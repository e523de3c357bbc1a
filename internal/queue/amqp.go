package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/smsforward/internal/logger"
	"github.com/unclebandit/smsforward/internal/metrics"
)

const (
	headerJobKey     = "x-job-key"
	headerGeneration = "x-generation"
	headerRetryCount = "x-retry-count"
)

// AMQPQueue publishes jobs to a durable RabbitMQ queue and consumes them with
// manual ack. Retries are republished with an incremented x-retry-count.
//
// Replacement is tracked by a generation stamped on each message; a consumer
// drops messages older than the newest generation it has seen for a key.
// That only helps when the newer message is seen first. The queue is FIFO, so
// a superseded message still queued ahead of its replacement usually runs
// too, and both outcomes are written. The memory and sql backends do not
// have this limit. KeepExisting is only honoured within one publishing process.
type AMQPQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	opts Options

	pubMu sync.Mutex // amqp.Channel is not safe for concurrent publishes

	mu        sync.Mutex
	published map[string]time.Time
	seen      generations
}

func DialAMQP(url string, opts Options) (*AMQPQueue, error) {
	opts = opts.withDefaults()
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		opts.Name, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	return &AMQPQueue{
		conn:      conn,
		ch:        ch,
		opts:      opts,
		published: make(map[string]time.Time),
		seen:      generations{},
	}, nil
}

func (q *AMQPQueue) Enqueue(_ context.Context, job Job, policy ExistingJobPolicy) error {
	q.mu.Lock()
	q.expirePublishedLocked()
	if _, ok := q.published[job.Key]; ok && policy == KeepExisting {
		q.mu.Unlock()
		return nil
	}
	q.published[job.Key] = time.Now()
	q.mu.Unlock()

	return q.publish(job.Key, job.Payload, time.Now().UnixNano(), 0)
}

// expirePublishedLocked forgets keys older than the longest a job can stay queued.
func (q *AMQPQueue) expirePublishedLocked() {
	horizon := time.Duration(q.opts.MaxAttempts) * q.opts.MaxBackoff
	for key, at := range q.published {
		if time.Since(at) > horizon {
			delete(q.published, key)
		}
	}
}

func (q *AMQPQueue) publish(key string, payload []byte, generation int64, retries int) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.ch.Publish("", q.opts.Name, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         payload,
		Headers: amqp.Table{
			headerJobKey:     key,
			headerGeneration: generation,
			headerRetryCount: int32(retries),
		},
	})
}

func (q *AMQPQueue) Run(ctx context.Context, h Handler) error {
	if err := q.ch.Qos(q.opts.Workers, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	msgs, err := q.ch.Consume(
		q.opts.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	sem := make(chan struct{}, q.opts.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				q.handle(ctx, h, d)
			}(d)
		}
	}
}

func (q *AMQPQueue) handle(ctx context.Context, h Handler, d amqp.Delivery) {
	key, _ := d.Headers[headerJobKey].(string)
	gen := headerInt(d.Headers[headerGeneration])
	retries := int(headerInt(d.Headers[headerRetryCount]))

	q.mu.Lock()
	fresh := q.seen.observe(key, gen)
	q.mu.Unlock()
	if key == "" || !fresh {
		logger.Debug("dropping superseded job", zap.String("key", key))
		_ = d.Ack(false)
		return
	}

	job := Job{Key: key, Payload: d.Body, Attempt: retries + 1}
	err := h(ctx, job)
	switch {
	case err == nil:
		metrics.Jobs.WithLabelValues("succeeded").Inc()
		_ = d.Ack(false)
	case IsPermanent(err) || job.Attempt >= q.opts.MaxAttempts:
		metrics.Jobs.WithLabelValues("failed").Inc()
		logger.Warn("job permanently failed", zap.String("key", key), zap.Int("attempts", job.Attempt), zap.Error(err))
		q.opts.giveUp(job, err)
		_ = d.Ack(false)
	default:
		metrics.Jobs.WithLabelValues("retrying").Inc()
		delay := q.opts.backoff(job.Attempt)
		logger.Info("job failed, retrying", zap.String("key", key), zap.Int("attempt", job.Attempt),
			zap.Duration("backoff", delay), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			_ = d.Nack(false, true) // redelivered on next start
			return
		}
		if perr := q.publish(key, d.Body, gen, retries+1); perr != nil {
			logger.Error("failed to republish job", zap.String("key", key), zap.Error(perr))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	}
}

func (q *AMQPQueue) Close() error {
	var errs []error
	if q.ch != nil {
		errs = append(errs, q.ch.Close())
	}
	if q.conn != nil {
		errs = append(errs, q.conn.Close())
	}
	return errors.Join(errs...)
}

// generations remembers the newest generation seen per job key.
type generations map[string]int64

// observe reports whether gen is at least as new as anything seen for key.
func (g generations) observe(key string, gen int64) bool {
	if gen < g[key] {
		return false
	}
	g[key] = gen
	return true
}

// headerInt reads an integer header whatever width the broker decoded it as.
func headerInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	}
	return 0
}
