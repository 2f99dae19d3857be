// Package polock serializes PO-mutating stages through an advisory lock
// keyed by purchase order id. At most one stage execution holds the lock at
// a time; expired leases count as free.
package polock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shopdock/poflow/server/observability"
)

const (
	keyPrefix    = "poflow:polock:"
	pollInterval = 300 * time.Millisecond

	// DefaultLease is the lock lease; a holder that dies is free again after
	// this long even without a release.
	DefaultLease = 60 * time.Second

	// DefaultMaxWait bounds the acquire poll loop.
	DefaultMaxWait = 15 * time.Second
)

// ErrLockWaitTimeout means the lock stayed held for the whole maxWait.
var ErrLockWaitTimeout = errors.New("polock: wait timeout")

// releaseScript deletes the lock only when the stored holder matches the
// releasing workflow (owner-checked release).
var releaseScript = redis.NewScript(`
	local val = redis.call("get", KEYS[1])
	if not val then
		return 0
	end
	if string.sub(val, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
		return redis.call("del", KEYS[1])
	end
	return -1
`)

// Manager implements acquire-wait-release over Redis SET NX PX.
type Manager struct {
	client *redis.Client
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

func key(poID string) string {
	return keyPrefix + poID
}

// Acquire takes the lock for (workflowID, stage), polling every 300ms up to
// maxWait. Zero lease/maxWait take the defaults.
func (m *Manager) Acquire(ctx context.Context, poID, workflowID, stage string, lease, maxWait time.Duration) error {
	if lease <= 0 {
		lease = DefaultLease
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	value := workflowID + "|" + stage

	start := time.Now()
	deadline := start.Add(maxWait)
	for {
		ok, err := m.client.SetNX(ctx, key(poID), value, lease).Result()
		if err != nil {
			return fmt.Errorf("polock: acquire %s: %w", poID, err)
		}
		if ok {
			observability.LockWaitSeconds.Observe(time.Since(start).Seconds())
			return nil
		}
		if time.Now().After(deadline) {
			observability.LockTimeouts.Inc()
			return fmt.Errorf("%w: po %s held by %s", ErrLockWaitTimeout, poID, m.holderString(ctx, poID))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release clears the lock only if workflowID is the current holder. Releasing
// a lock held by someone else is a no-op, not an error: the lease may have
// expired and been re-acquired.
func (m *Manager) Release(ctx context.Context, poID, workflowID string) error {
	_, err := releaseScript.Run(ctx, m.client, []string{key(poID)}, workflowID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("polock: release %s: %w", poID, err)
	}
	return nil
}

// Holder returns the current (workflowID, stage) holder, or empty strings
// when the lock is free.
func (m *Manager) Holder(ctx context.Context, poID string) (workflowID, stage string, err error) {
	val, err := m.client.Get(ctx, key(poID)).Result()
	if err == redis.Nil {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(val, "|", 2)
	if len(parts) != 2 {
		return val, "", nil
	}
	return parts[0], parts[1], nil
}

func (m *Manager) holderString(ctx context.Context, poID string) string {
	wf, stage, err := m.Holder(ctx, poID)
	if err != nil || wf == "" {
		return "unknown"
	}
	return wf + "@" + stage
}
