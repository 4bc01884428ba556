package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore stores saga instances in Redis. Instances live as JSON strings
// keyed by id, with per-status sets plus an all-ids set for listing.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisStore creates a Redis-backed instance store.
func NewRedisStore(client redis.Cmdable, keyPrefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if keyPrefix == "" {
		keyPrefix = "sagaflow"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// Save persists one instance and maintains the status index sets.
func (s *RedisStore) Save(ctx context.Context, instance *Instance) error {
	if instance == nil {
		return fmt.Errorf("saga: instance cannot be nil")
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	var oldStatus string
	raw, err := s.client.Get(ctx, s.dataKey(instance.ID)).Result()
	switch {
	case err == nil:
		var previous Instance
		if err := json.Unmarshal([]byte(raw), &previous); err == nil {
			oldStatus = previous.Status.String()
		}
	case err == redis.Nil:
	default:
		return fmt.Errorf("load previous instance: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(instance.ID), data, 0)
	pipe.SAdd(ctx, s.idsKey(), instance.ID)
	pipe.SAdd(ctx, s.statusKey(instance.Status.String()), instance.ID)
	if oldStatus != "" && oldStatus != instance.Status.String() {
		pipe.SRem(ctx, s.statusKey(oldStatus), instance.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

// Get loads one instance by id.
func (s *RedisStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	raw, err := s.client.Get(ctx, s.dataKey(sagaID)).Result()
	if err == redis.Nil {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}

	var instance Instance
	if err := json.Unmarshal([]byte(raw), &instance); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return &instance, nil
}

// List queries instances by status with pagination.
func (s *RedisStore) List(ctx context.Context, filter ListFilter) ([]*Instance, int, error) {
	setKey := s.idsKey()
	if filter.Status != "" {
		setKey = s.statusKey(filter.Status)
	}

	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("list instance ids: %w", err)
	}

	instances := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		instance, err := s.Get(ctx, id)
		if err != nil {
			// Index entries can outlive a deleted instance; skip them.
			continue
		}
		instances = append(instances, instance)
	}
	// SMembers order is arbitrary; sort so limit/offset windows are stable.
	sortInstances(instances)

	total := len(instances)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	limit := filter.Limit
	if limit < 0 {
		limit = 0
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return instances[offset:end], total, nil
}

// Delete removes one instance and its index entries.
func (s *RedisStore) Delete(ctx context.Context, sagaID string) error {
	instance, err := s.Get(ctx, sagaID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(sagaID))
	pipe.SRem(ctx, s.idsKey(), sagaID)
	pipe.SRem(ctx, s.statusKey(instance.Status.String()), sagaID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

func (s *RedisStore) dataKey(sagaID string) string {
	return fmt.Sprintf("%s:instance:%s", s.keyPrefix, sagaID)
}

func (s *RedisStore) idsKey() string {
	return fmt.Sprintf("%s:instances", s.keyPrefix)
}

func (s *RedisStore) statusKey(status string) string {
	return fmt.Sprintf("%s:instances:status:%s", s.keyPrefix, status)
}
