package process

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/trinity-platform/trinity/core"
)

// Key layout under the configured prefix:
//
//	{prefix}:execution:{id}   JSON Execution
//	{prefix}:index            sorted set of execution ids by started_at
//	{prefix}:active           set of non-terminal execution ids
//	{prefix}:steps:{id}       hash step_id → JSON StepExecution
//	{prefix}:approval:{id}    JSON ApprovalTask
//	{prefix}:events:{id}      list of JSON Events
const defaultStorePrefix = "trinity:process"

// RedisStore persists the runtime projections in Redis so executions survive
// engine restarts and are visible to every replica.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
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
		prefix = defaultStorePrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) executionKey(id string) string {
	return fmt.Sprintf("%s:execution:%s", s.prefix, id)
}

func (s *RedisStore) stepsKey(executionID string) string {
	return fmt.Sprintf("%s:steps:%s", s.prefix, executionID)
}

func (s *RedisStore) approvalKey(id string) string {
	return fmt.Sprintf("%s:approval:%s", s.prefix, id)
}

func (s *RedisStore) eventsKey(executionID string) string {
	return fmt.Sprintf("%s:events:%s", s.prefix, executionID)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

func (s *RedisStore) activeKey() string {
	return s.prefix + ":active"
}

func (s *RedisStore) CreateExecution(ctx context.Context, e *Execution) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.executionKey(e.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create execution %s: %w", e.ID, err)
	}
	if !ok {
		return fmt.Errorf("store.CreateExecution %s: already exists", e.ID)
	}
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.indexKey(), &redis.Z{
		Score:  float64(e.StartedAt.UnixNano()),
		Member: e.ID,
	})
	pipe.SAdd(ctx, s.activeKey(), e.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *RedisStore) UpdateExecution(ctx context.Context, e *Execution) error {
	existing, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() && existing.Status != e.Status {
		return fmt.Errorf("store.UpdateExecution %s: %w", e.ID, core.ErrTerminalState)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.executionKey(e.ID), payload, 0)
	if e.Status.IsTerminal() {
		pipe.SRem(ctx, s.activeKey(), e.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	data, err := s.client.Get(ctx, s.executionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("store.GetExecution %s: %w", id, core.ErrExecutionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	var e Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", id, err)
	}
	return &e, nil
}

func (s *RedisStore) ListExecutions(ctx context.Context, f Filter) (*PageResult, error) {
	// Newest first via the started_at index; filtering happens client-side
	// since the projection is small relative to the concurrency caps.
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	var matched []*Execution
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		if matchesFilter(e, f) {
			matched = append(matched, e)
		}
	}
	return paginate(matched, f), nil
}

func (s *RedisStore) ListActive(ctx context.Context) ([]*Execution, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	out := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		if !e.Status.IsTerminal() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *RedisStore) PutStep(ctx context.Context, st *StepExecution) error {
	key := s.stepsKey(st.ExecutionID)
	data, err := s.client.HGet(ctx, key, st.StepID).Bytes()
	if err == nil {
		var existing StepExecution
		if err := json.Unmarshal(data, &existing); err == nil {
			if existing.Status.IsTerminal() && existing.Status != st.Status {
				return fmt.Errorf("store.PutStep %s/%s: %w", st.ExecutionID, st.StepID, core.ErrTerminalState)
			}
		}
	} else if err != redis.Nil {
		return fmt.Errorf("failed to read step %s/%s: %w", st.ExecutionID, st.StepID, err)
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode step: %w", err)
	}
	if err := s.client.HSet(ctx, key, st.StepID, payload).Err(); err != nil {
		return fmt.Errorf("failed to put step %s/%s: %w", st.ExecutionID, st.StepID, err)
	}
	return nil
}

func (s *RedisStore) GetStep(ctx context.Context, executionID, stepID string) (*StepExecution, error) {
	data, err := s.client.HGet(ctx, s.stepsKey(executionID), stepID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("store.GetStep %s/%s: not found", executionID, stepID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step %s/%s: %w", executionID, stepID, err)
	}
	var st StepExecution
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode step %s/%s: %w", executionID, stepID, err)
	}
	return &st, nil
}

func (s *RedisStore) ListSteps(ctx context.Context, executionID string) ([]*StepExecution, error) {
	entries, err := s.client.HGetAll(ctx, s.stepsKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list steps for %s: %w", executionID, err)
	}
	out := make([]*StepExecution, 0, len(entries))
	for _, raw := range entries {
		var st StepExecution
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (s *RedisStore) CreateApproval(ctx context.Context, a *ApprovalTask) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode approval: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.approvalKey(a.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create approval %s: %w", a.ID, err)
	}
	if !ok {
		return fmt.Errorf("store.CreateApproval %s: already exists", a.ID)
	}
	return nil
}

func (s *RedisStore) UpdateApproval(ctx context.Context, a *ApprovalTask) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode approval: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.approvalKey(a.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update approval %s: %w", a.ID, err)
	}
	if !ok {
		return fmt.Errorf("store.UpdateApproval %s: %w", a.ID, core.ErrApprovalNotFound)
	}
	return nil
}

func (s *RedisStore) GetApproval(ctx context.Context, id string) (*ApprovalTask, error) {
	data, err := s.client.Get(ctx, s.approvalKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("store.GetApproval %s: %w", id, core.ErrApprovalNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval %s: %w", id, err)
	}
	var a ApprovalTask
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode approval %s: %w", id, err)
	}
	return &a, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := s.client.RPush(ctx, s.eventsKey(ev.ExecutionID), payload).Err(); err != nil {
		return fmt.Errorf("failed to append event for %s: %w", ev.ExecutionID, err)
	}
	return nil
}

func (s *RedisStore) ListEvents(ctx context.Context, executionID string) ([]*Event, error) {
	entries, err := s.client.LRange(ctx, s.eventsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", executionID, err)
	}
	out := make([]*Event, 0, len(entries))
	for _, raw := range entries {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
