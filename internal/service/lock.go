package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/sar-go-api/internal/observability"
)

// ErrLockTimeout indicates a per-entity lock could not be acquired in time.
var ErrLockTimeout = errors.New("lock acquisition timed out")

var errLockBusy = errors.New("lock busy")

// KeyedLocker serialises work per key. The returned release func is idempotent.
type KeyedLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type memoryLocker struct {
	mu      sync.Mutex
	slots   map[string]*lockSlot
	timeout time.Duration
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker returns an in-process keyed mutex suitable for a single node.
func NewMemoryLocker(timeout time.Duration) KeyedLocker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &memoryLocker{slots: make(map[string]*lockSlot), timeout: timeout}
}

func (l *memoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()

	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	select {
	case slot.ch <- struct{}{}:
		observability.WorkflowLockWait().Observe(time.Since(start).Seconds())
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				l.release(key, slot)
			})
		}, nil
	case <-waitCtx.Done():
		l.release(key, slot)
		return nil, ErrLockTimeout
	}
}

func (l *memoryLocker) release(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisLocker returns a lock shared by every node connected to the same Redis.
func NewRedisLocker(client *redis.Client, prefix string, timeout time.Duration) KeyedLocker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ttl := 3 * timeout
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	return &redisLocker{client: client, prefix: prefix + ":lock:", ttl: ttl, timeout: timeout}
}

func (l *redisLocker) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	redisKey := l.prefix + key
	token := uuid.NewString()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = l.timeout

	err := backoff.Retry(func() error {
		acquired, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !acquired {
			return errLockBusy
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if errors.Is(err, errLockBusy) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}

	observability.WorkflowLockWait().Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}, nil
}
