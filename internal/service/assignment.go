package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/sar-go-api/internal/models"
)

// Assignment policy names accepted in configuration.
const (
	PolicyLeastLoaded = "least_loaded"
	PolicyRoundRobin  = "round_robin"
)

// AssignmentPolicy chooses a reviewer for a submission entering the queue.
type AssignmentPolicy interface {
	Name() string
	// Pick selects one of candidates, which are ordered by reviewer id. load holds the pending
	// queue depth per reviewer.
	Pick(ctx context.Context, candidates []models.Reviewer, load map[uint]int64) (models.Reviewer, error)
}

// Cursor hands out a monotonically increasing sequence.
type Cursor interface {
	Next(ctx context.Context) (uint64, error)
}

// NewAssignmentPolicy resolves a configured policy name.
func NewAssignmentPolicy(name string, cursor Cursor) (AssignmentPolicy, error) {
	switch name {
	case "", PolicyLeastLoaded:
		return leastLoadedPolicy{}, nil
	case PolicyRoundRobin:
		if cursor == nil {
			cursor = &memoryCursor{}
		}
		return &roundRobinPolicy{cursor: cursor}, nil
	default:
		return nil, fmt.Errorf("unknown assignment policy %q", name)
	}
}

type leastLoadedPolicy struct{}

func (leastLoadedPolicy) Name() string { return PolicyLeastLoaded }

func (leastLoadedPolicy) Pick(_ context.Context, candidates []models.Reviewer, load map[uint]int64) (models.Reviewer, error) {
	if len(candidates) == 0 {
		return models.Reviewer{}, ErrNoReviewersAvailable
	}

	best := candidates[0]
	for _, candidate := range candidates[1:] {
		current, bestLoad := load[candidate.ID], load[best.ID]
		if current < bestLoad || (current == bestLoad && candidate.ID < best.ID) {
			best = candidate
		}
	}
	return best, nil
}

type roundRobinPolicy struct {
	cursor Cursor
}

func (p *roundRobinPolicy) Name() string { return PolicyRoundRobin }

func (p *roundRobinPolicy) Pick(ctx context.Context, candidates []models.Reviewer, _ map[uint]int64) (models.Reviewer, error) {
	if len(candidates) == 0 {
		return models.Reviewer{}, ErrNoReviewersAvailable
	}

	next, err := p.cursor.Next(ctx)
	if err != nil {
		return models.Reviewer{}, storageFailure("advance round-robin cursor", err)
	}
	return candidates[(next-1)%uint64(len(candidates))], nil
}

type memoryCursor struct {
	mu    sync.Mutex
	value uint64
}

// NewMemoryCursor returns a process-local cursor.
func NewMemoryCursor() Cursor {
	return &memoryCursor{}
}

func (c *memoryCursor) Next(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value, nil
}

type redisCursor struct {
	client *redis.Client
	key    string
}

// NewRedisCursor returns a cursor shared across nodes through INCR.
func NewRedisCursor(client *redis.Client, prefix string) Cursor {
	return &redisCursor{client: client, key: prefix + ":assignment:cursor"}
}

func (c *redisCursor) Next(ctx context.Context) (uint64, error) {
	value, err := c.client.Incr(ctx, c.key).Result()
	if err != nil {
		return 0, err
	}
	return uint64(value), nil
}
