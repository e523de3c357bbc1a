// Package dedup decides whether an inbound event is a platform redelivery of
// one already accepted. Which policy applies is a deployment choice.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy names accepted by New.
const (
	PolicyNone   = "none"
	PolicyMemory = "memory"
	PolicyRedis  = "redis"
)

// Deduper marks a fingerprint as seen and reports whether it already was.
type Deduper interface {
	Seen(ctx context.Context, fingerprint string) (bool, error)
	Close() error
}

// Fingerprint identifies one physical arrival by origin, content and timestamp.
func Fingerprint(origin, content string, receivedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(origin))
	h.Write([]byte{0})
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(receivedAt.UnixMilli(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// New builds the deduper for policy.
func New(policy string, window time.Duration, redisURL string) (Deduper, error) {
	switch policy {
	case "", PolicyNone:
		return None{}, nil
	case PolicyMemory:
		return NewMemory(window), nil
	case PolicyRedis:
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return NewRedis(redis.NewClient(opt), window), nil
	default:
		return nil, fmt.Errorf("unknown dedup policy %q", policy)
	}
}

// None treats every invocation as a new event.
type None struct{}

func (None) Seen(context.Context, string) (bool, error) { return false, nil }
func (None) Close() error { return nil }

// Memory remembers fingerprints for a window inside this process.
type Memory struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemory(window time.Duration) *Memory {
	return &Memory{window: window, now: time.Now, seen: make(map[string]time.Time)}
}

func (m *Memory) Seen(_ context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for fp, at := range m.seen {
		if now.Sub(at) > m.window {
			delete(m.seen, fp)
		}
	}
	if _, ok := m.seen[fingerprint]; ok {
		return true, nil
	}
	m.seen[fingerprint] = now
	return false, nil
}

func (m *Memory) Close() error { return nil }

// Redis shares fingerprints between processes with SETNX and a TTL.
type Redis struct {
	rc     *redis.Client
	window time.Duration
	prefix string
}

func NewRedis(rc *redis.Client, window time.Duration) *Redis {
	return &Redis{rc: rc, window: window, prefix: "smsforward:event:"}
}

func (r *Redis) Seen(ctx context.Context, fingerprint string) (bool, error) {
	fresh, err := r.rc.SetNX(ctx, r.prefix+fingerprint, "1", r.window).Result()
	if err != nil {
		return false, err
	}
	return !fresh, nil
}

func (r *Redis) Close() error { return r.rc.Close() }
