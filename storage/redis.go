package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stepflow-io/stepflow/types"
)

const (
	workflowPrefix = "workflow:"
	stepPrefix     = "step:"
	actorPrefix    = "actor:"
)

// ErrNotFound is returned when a requested resource is not found.
var ErrNotFound = errors.New("resource not found")

// RedisStorage is a Redis-backed implementation of the Storage interface.
// FindActorsByRole returns actors ordered by ascending ID, so the
// first-available pick is the longest-registered actor.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// saveToRedis saves a value to Redis with the given key prefix and ID.
func (s *RedisStorage) saveToRedis(ctx context.Context, prefix string, id uint64, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%d: %v", prefix, id, err)
		}
		key := fmt.Sprintf("%s%d", prefix, id)
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value from Redis with the given key prefix and ID.
func getFromRedis[T any](ctx context.Context, client *redis.Client, prefix string, id uint64) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := fmt.Sprintf("%s%d", prefix, id)
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// scanAll collects every value stored under the given prefix.
func scanAll[T any](ctx context.Context, client *redis.Client, prefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s keys: %v", prefix, err)
		}

		var items []T
		for _, key := range keys {
			data, err := client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("failed to get %s: %v", key, err)
			}

			var item T
			if err := json.Unmarshal(data, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			items = append(items, item)
		}
		return items, nil
	})
}

// SaveWorkflow saves a workflow to Redis.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return s.saveToRedis(ctx, workflowPrefix, wf.ID, wf)
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error) {
	return getFromRedis[types.Workflow](ctx, s.client, workflowPrefix, id)
}

// SaveStep saves a work step to Redis.
func (s *RedisStorage) SaveStep(ctx context.Context, step types.WorkStep) error {
	return s.saveToRedis(ctx, stepPrefix, step.ID, step)
}

// GetStep retrieves a work step from Redis.
func (s *RedisStorage) GetStep(ctx context.Context, id uint64) (types.WorkStep, error) {
	return getFromRedis[types.WorkStep](ctx, s.client, stepPrefix, id)
}

// ListSteps returns the steps of a workflow ordered by sequence number.
func (s *RedisStorage) ListSteps(ctx context.Context, workflowID uint64) ([]types.WorkStep, error) {
	all, err := scanAll[types.WorkStep](ctx, s.client, stepPrefix)
	if err != nil {
		return nil, err
	}

	var steps []types.WorkStep
	for _, step := range all {
		if step.WorkflowID == workflowID {
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].SequenceNumber < steps[j].SequenceNumber
	})
	return steps, nil
}

// DeleteStep removes a work step from Redis.
func (s *RedisStorage) DeleteStep(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		key := fmt.Sprintf("%s%d", stepPrefix, id)
		deleted, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to delete %s: %v", key, err)
		}
		if deleted == 0 {
			return fmt.Errorf("%w: key=%s", ErrNotFound, key)
		}
		return nil
	})
}

// SaveActor saves an actor to Redis.
func (s *RedisStorage) SaveActor(ctx context.Context, actor types.Actor) error {
	return s.saveToRedis(ctx, actorPrefix, actor.ID, actor)
}

// GetActor retrieves an actor from Redis.
func (s *RedisStorage) GetActor(ctx context.Context, id uint64) (types.Actor, error) {
	return getFromRedis[types.Actor](ctx, s.client, actorPrefix, id)
}

// FindActorsByRole returns actors with the given role ordered by ascending ID.
func (s *RedisStorage) FindActorsByRole(ctx context.Context, role types.Role) ([]types.Actor, error) {
	all, err := scanAll[types.Actor](ctx, s.client, actorPrefix)
	if err != nil {
		return nil, err
	}

	var actors []types.Actor
	for _, actor := range all {
		if actor.Role == role {
			actors = append(actors, actor)
		}
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i].ID < actors[j].ID })
	return actors, nil
}

// SaveSteps saves multiple work steps to Redis using pipelining.
func (s *RedisStorage) SaveSteps(ctx context.Context, steps []types.WorkStep) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, step := range steps {
			data, err := json.Marshal(step)
			if err != nil {
				return fmt.Errorf("failed to marshal step %d: %v", step.ID, err)
			}
			key := fmt.Sprintf("%s%d", stepPrefix, step.ID)
			pipe.Set(ctx, key, data, 0)
		}
		_, err := pipe.Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to execute pipeline for steps: %v", err)
		}
		return nil
	})
}

// ClearCompleted removes completed steps whose workflow is no longer stored.
func (s *RedisStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		steps, err := scanAll[types.WorkStep](ctx, s.client, stepPrefix)
		if err != nil {
			return err
		}
		if len(steps) == 0 {
			return nil
		}

		pipe := s.client.Pipeline()
		for _, step := range steps {
			if step.Status != types.StatusCompleted {
				continue
			}
			wfKey := fmt.Sprintf("%s%d", workflowPrefix, step.WorkflowID)
			exists, err := s.client.Exists(ctx, wfKey).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s: %v", wfKey, err)
			}
			if exists == 0 {
				pipe.Del(ctx, fmt.Sprintf("%s%d", stepPrefix, step.ID))
			}
		}

		_, err = pipe.Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
