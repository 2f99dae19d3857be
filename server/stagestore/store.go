// Package stagestore is the ephemeral shared state between stages: per-stage
// outputs plus a merged accumulator, all with a 30-minute TTL. The TTL is
// deliberately shorter than the worst-case workflow; stages fall back to the
// durable PO row when the store has expired.
package stagestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long intermediate stage data survives.
const DefaultTTL = 30 * time.Minute

const keyPrefix = "poflow:wf:"

// Store holds stage results keyed by workflow id.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client) *Store {
	return &Store{client: client, ttl: DefaultTTL}
}

// NewWithTTL is used by tests to shrink the expiry window.
func NewWithTTL(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func stageKey(workflowID, stage string) string {
	return keyPrefix + workflowID + ":" + stage
}

func accKey(workflowID string) string {
	return keyPrefix + workflowID + ":acc"
}

// SaveStageResult writes the stage payload and shallow-merges it into the
// accumulator. Concurrent writers are tolerated: last write wins per key.
func (s *Store) SaveStageResult(ctx context.Context, workflowID, stage string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stagestore: marshal %s result: %w", stage, err)
	}
	if err := s.client.Set(ctx, stageKey(workflowID, stage), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("stagestore: save %s result: %w", stage, err)
	}

	acc, err := s.GetAccumulatedData(ctx, workflowID)
	if err != nil {
		return err
	}
	if acc == nil {
		acc = make(map[string]any)
	}
	for k, v := range payload {
		acc[k] = v
	}
	merged, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, accKey(workflowID), merged, s.ttl).Err()
}

// GetStageResult returns one stage's payload, or nil after TTL expiry.
func (s *Store) GetStageResult(ctx context.Context, workflowID, stage string) (map[string]any, error) {
	return s.get(ctx, stageKey(workflowID, stage))
}

// GetAccumulatedData returns the merged view of all prior stage outputs, or
// nil after TTL expiry.
func (s *Store) GetAccumulatedData(ctx context.Context, workflowID string) (map[string]any, error) {
	return s.get(ctx, accKey(workflowID))
}

func (s *Store) get(ctx context.Context, key string) (map[string]any, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stagestore: get %s: %w", key, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("stagestore: decode %s: %w", key, err)
	}
	return out, nil
}

// Clear removes all stage state for a workflow. Called on terminal states;
// expiry would get there anyway.
func (s *Store) Clear(ctx context.Context, workflowID string, stages []string) error {
	keys := make([]string, 0, len(stages)+1)
	keys = append(keys, accKey(workflowID))
	for _, st := range stages {
		keys = append(keys, stageKey(workflowID, st))
	}
	return s.client.Del(ctx, keys...).Err()
}
