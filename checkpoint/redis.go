package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis key naming for checkpoint data. All keys are prefixed with
// "flowpoint:" to avoid collisions with other users of the instance.

const redisKeyPrefix = "flowpoint:"

// redisCmdable aliases the go-redis command interface; Options exposes
// it as RedisClient so callers outside this file never spell the
// go-redis type themselves.
type redisCmdable = goredis.Cmdable

// redisCheckpointKey returns the Hash key for one checkpoint: flowpoint:cp:{id}
func redisCheckpointKey(id string) string { return redisKeyPrefix + "cp:" + id }

// redisWorkflowKey returns the Set key tracking a workflow's checkpoint IDs.
func redisWorkflowKey(workflowID string) string { return redisKeyPrefix + "wf:" + workflowID }

// redisWorkflowIDsKey is the Set tracking all workflow IDs for enumeration.
const redisWorkflowIDsKey = redisKeyPrefix + "workflow_ids"

// RedisStore implements Store on Redis: one Hash per checkpoint, a Set
// of checkpoint IDs per workflow, and a global Set of workflow IDs. It
// lets several hosts observe the same workflow's checkpoints; callers
// choosing it accept network I/O on every operation.
//
// The caller owns the client lifecycle -- Close does not close it.
type RedisStore struct {
	client goredis.Cmdable
	ctx    context.Context
}

// NewRedisStore creates a Redis-backed checkpoint store on an existing
// client.
func NewRedisStore(client goredis.Cmdable) *RedisStore {
	return &RedisStore{client: client, ctx: context.Background()}
}

// Save upserts the checkpoint Hash and indexes it under its workflow.
func (s *RedisStore) Save(cp *Checkpoint) error {
	now := time.Now().UTC()
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}

	key := redisCheckpointKey(cp.ID)

	// Preserve the stored created_at across overwrites.
	prevCreated, err := s.client.HGet(s.ctx, key, "created_at").Result()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("failed to read existing checkpoint: %w", err)
	}
	if prevCreated != "" {
		t, parseErr := time.Parse(time.RFC3339Nano, prevCreated)
		if parseErr == nil {
			cp.CreatedAt = t
		}
	}

	fields, err := checkpointToRedisMap(cp)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(s.ctx, key, fields)
	pipe.SAdd(s.ctx, redisWorkflowKey(cp.WorkflowID), cp.ID)
	pipe.SAdd(s.ctx, redisWorkflowIDsKey, cp.WorkflowID)
	if _, err := pipe.Exec(s.ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint with the given ID, or nil when absent.
func (s *RedisStore) Load(checkpointID string) (*Checkpoint, error) {
	vals, err := s.client.HGetAll(s.ctx, redisCheckpointKey(checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return redisMapToCheckpoint(vals)
}

// ListWorkflowCheckpoints returns the workflow's checkpoints sorted
// ascending by step index.
func (s *RedisStore) ListWorkflowCheckpoints(workflowID string) ([]*Checkpoint, error) {
	ids, err := s.client.SMembers(s.ctx, redisWorkflowKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow checkpoints: %w", err)
	}

	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			out = append(out, cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StepIndex < out[j].StepIndex
	})
	return out, nil
}

// GetLastCheckpoint returns the checkpoint with the greatest step index
// for the workflow, or nil.
func (s *RedisStore) GetLastCheckpoint(workflowID string) (*Checkpoint, error) {
	cps, err := s.ListWorkflowCheckpoints(workflowID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[len(cps)-1], nil
}

// DeleteWorkflowCheckpoints removes the workflow's checkpoints, its
// index Set and its entry in the workflow enumeration Set.
func (s *RedisStore) DeleteWorkflowCheckpoints(workflowID string) (int, error) {
	wfKey := redisWorkflowKey(workflowID)
	ids, err := s.client.SMembers(s.ctx, wfKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate workflow checkpoints: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(s.ctx, redisCheckpointKey(id))
	}
	pipe.Del(s.ctx, wfKey)
	pipe.SRem(s.ctx, redisWorkflowIDsKey, workflowID)
	if _, err := pipe.Exec(s.ctx); err != nil {
		return 0, fmt.Errorf("failed to delete workflow checkpoints: %w", err)
	}
	return len(ids), nil
}

// GetIncompleteWorkflows enumerates known workflows and returns the
// sorted IDs of those with a pending or in-progress checkpoint.
func (s *RedisStore) GetIncompleteWorkflows() ([]string, error) {
	workflowIDs, err := s.client.SMembers(s.ctx, redisWorkflowIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate workflows: %w", err)
	}

	var out []string
	for _, wfID := range workflowIDs {
		cps, err := s.ListWorkflowCheckpoints(wfID)
		if err != nil {
			return nil, err
		}
		for _, cp := range cps {
			if cp.Status == StatusPending || cp.Status == StatusInProgress {
				out = append(out, wfID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close is a no-op: the caller owns the Redis client.
func (s *RedisStore) Close() error {
	return nil
}

func checkpointToRedisMap(cp *Checkpoint) (map[string]any, error) {
	inputJSON, err := json.Marshal(cp.InputData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input data: %w", err)
	}
	metadataJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	// output_data is always written, empty when the step has none:
	// HSET leaves absent fields untouched, and an overwrite must not
	// keep a superseded attempt's output alive on the record.
	outputField := ""
	if cp.OutputData != nil {
		outputJSON, err := json.Marshal(cp.OutputData)
		if err != nil {
			return nil, fmt.Errorf("failed to encode output data: %w", err)
		}
		outputField = string(outputJSON)
	}

	return map[string]any{
		"id":          cp.ID,
		"workflow_id": cp.WorkflowID,
		"step_name":   cp.StepName,
		"step_index":  strconv.Itoa(cp.StepIndex),
		"status":      string(cp.Status),
		"input_data":  string(inputJSON),
		"output_data": outputField,
		"error":       cp.Error,
		"created_at":  cp.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  cp.UpdatedAt.Format(time.RFC3339Nano),
		"metadata":    string(metadataJSON),
	}, nil
}

func redisMapToCheckpoint(vals map[string]string) (*Checkpoint, error) {
	status, err := ParseStatus(vals["status"])
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint hash: %w", err)
	}

	cp := &Checkpoint{
		ID:         vals["id"],
		WorkflowID: vals["workflow_id"],
		StepName:   vals["step_name"],
		Status:     status,
		Error:      vals["error"],
	}

	if raw := vals["step_index"]; raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse step_index: %w", err)
		}
		cp.StepIndex = idx
	}
	if raw := vals["input_data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &cp.InputData); err != nil {
			return nil, fmt.Errorf("failed to decode input data: %w", err)
		}
	}
	if raw := vals["output_data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &cp.OutputData); err != nil {
			return nil, fmt.Errorf("failed to decode output data: %w", err)
		}
	}
	if raw := vals["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if raw := vals["created_at"]; raw != "" {
		if cp.CreatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
	}
	if raw := vals["updated_at"]; raw != "" {
		if cp.UpdatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
	}

	return cp, nil
}
