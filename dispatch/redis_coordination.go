package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Key layout under the configured prefix:
//
//	{prefix}:circuit:{agent}  JSON CircuitRecord
//	{prefix}:queue:{agent}    integer queue length
//	{prefix}:lease:{agent}    JSON Lease with PX expiry at the lease deadline
const defaultCoordinationPrefix = "trinity:dispatch"

// RedisCoordinationStore shares dispatch state across engine replicas.
type RedisCoordinationStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCoordinationStore connects to Redis and verifies the connection.
func NewRedisCoordinationStore(redisURL, prefix string) (*RedisCoordinationStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if prefix == "" {
		prefix = defaultCoordinationPrefix
	}
	return &RedisCoordinationStore{client: client, prefix: prefix}, nil
}

func (s *RedisCoordinationStore) circuitKey(agent string) string {
	return fmt.Sprintf("%s:circuit:%s", s.prefix, agent)
}

func (s *RedisCoordinationStore) queueKey(agent string) string {
	return fmt.Sprintf("%s:queue:%s", s.prefix, agent)
}

func (s *RedisCoordinationStore) leaseKey(agent string) string {
	return fmt.Sprintf("%s:lease:%s", s.prefix, agent)
}

func (s *RedisCoordinationStore) GetCircuit(ctx context.Context, agent string) (CircuitRecord, error) {
	data, err := s.client.Get(ctx, s.circuitKey(agent)).Bytes()
	if err == redis.Nil {
		return CircuitRecord{State: CircuitClosed}, nil
	}
	if err != nil {
		return CircuitRecord{}, fmt.Errorf("failed to get circuit for %s: %w", agent, err)
	}
	var rec CircuitRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CircuitRecord{}, fmt.Errorf("failed to decode circuit for %s: %w", agent, err)
	}
	return rec, nil
}

func (s *RedisCoordinationStore) CompareAndSetCircuit(ctx context.Context, agent string, expectedVersion int64, rec CircuitRecord) (bool, error) {
	key := s.circuitKey(agent)
	applied := false

	txn := func(tx *redis.Tx) error {
		currentVersion := int64(0)
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			var current CircuitRecord
			if err := json.Unmarshal(data, &current); err != nil {
				return err
			}
			currentVersion = current.Version
		}
		if currentVersion != expectedVersion {
			return nil // lost the race; applied stays false
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if err == redis.TxFailedErr {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update circuit for %s: %w", agent, err)
	}
	return applied, nil
}

func (s *RedisCoordinationStore) ListCircuits(ctx context.Context) (map[string]CircuitRecord, error) {
	out := make(map[string]CircuitRecord)
	pattern := fmt.Sprintf("%s:circuit:*", s.prefix)
	keyPrefix := fmt.Sprintf("%s:circuit:", s.prefix)

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list circuits: %w", err)
		}
		var rec CircuitRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out[strings.TrimPrefix(key, keyPrefix)] = rec
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan circuits: %w", err)
	}
	return out, nil
}

// incrQueueScript admits one entry unless the queue already holds max.
var incrQueueScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
	return 0
end
redis.call('INCR', KEYS[1])
return 1
`)

func (s *RedisCoordinationStore) IncrQueue(ctx context.Context, agent string, max int) (bool, error) {
	res, err := incrQueueScript.Run(ctx, s.client, []string{s.queueKey(agent)}, max).Int()
	if err != nil {
		return false, fmt.Errorf("failed to enter queue for %s: %w", agent, err)
	}
	return res == 1, nil
}

func (s *RedisCoordinationStore) DecrQueue(ctx context.Context, agent string) error {
	n, err := s.client.Decr(ctx, s.queueKey(agent)).Result()
	if err != nil {
		return fmt.Errorf("failed to leave queue for %s: %w", agent, err)
	}
	if n < 0 {
		// Double release; clamp rather than let the counter drift negative.
		s.client.Set(ctx, s.queueKey(agent), 0, 0)
	}
	return nil
}

func (s *RedisCoordinationStore) QueueLength(ctx context.Context, agent string) (int, error) {
	n, err := s.client.Get(ctx, s.queueKey(agent)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length for %s: %w", agent, err)
	}
	return n, nil
}

func (s *RedisCoordinationStore) AcquireLease(ctx context.Context, l Lease) (bool, error) {
	payload, err := json.Marshal(l)
	if err != nil {
		return false, fmt.Errorf("failed to encode lease: %w", err)
	}
	ttl := time.Until(l.Deadline)
	if ttl <= 0 {
		return false, fmt.Errorf("lease deadline already passed for %s", l.Agent)
	}
	ok, err := s.client.SetNX(ctx, s.leaseKey(l.Agent), payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease for %s: %w", l.Agent, err)
	}
	return ok, nil
}

// releaseLeaseScript deletes the lease only when still held by this owner.
var releaseLeaseScript = redis.NewScript(`
local held = redis.call('GET', KEYS[1])
if held == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *RedisCoordinationStore) ReleaseLease(ctx context.Context, l Lease) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to encode lease: %w", err)
	}
	if err := releaseLeaseScript.Run(ctx, s.client, []string{s.leaseKey(l.Agent)}, string(payload)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lease for %s: %w", l.Agent, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisCoordinationStore) Close() error {
	return s.client.Close()
}
