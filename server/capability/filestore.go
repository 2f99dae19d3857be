package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fileKeyPrefix = "poflow:file:"

	// DefaultFileTTL covers the window between ingest and the parsing stage,
	// with generous slack for retries and reconciler re-queues.
	DefaultFileTTL = 24 * time.Hour
)

// RedisFileStore keeps upload bytes in Redis under a TTL. Production wiring
// can substitute an object-store implementation; the workflow only needs the
// bytes to survive until parsing completes.
type RedisFileStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisFileStore(client *redis.Client) *RedisFileStore {
	return &RedisFileStore{client: client, ttl: DefaultFileTTL}
}

func NewRedisFileStoreWithTTL(client *redis.Client, ttl time.Duration) *RedisFileStore {
	return &RedisFileStore{client: client, ttl: ttl}
}

func (fs *RedisFileStore) Put(ctx context.Context, key string, data []byte, mimeType string) (string, error) {
	pipe := fs.client.TxPipeline()
	pipe.Set(ctx, fileKeyPrefix+key, data, fs.ttl)
	pipe.Set(ctx, fileKeyPrefix+key+":mime", mimeType, fs.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("filestore: put %s: %w", key, err)
	}
	return "redis://" + fileKeyPrefix + key, nil
}

func (fs *RedisFileStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	data, err := fs.client.Get(ctx, fileKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, "", fmt.Errorf("filestore: %s not found or expired", key)
	}
	if err != nil {
		return nil, "", fmt.Errorf("filestore: get %s: %w", key, err)
	}
	mime, err := fs.client.Get(ctx, fileKeyPrefix+key+":mime").Result()
	if err != nil && err != redis.Nil {
		return nil, "", fmt.Errorf("filestore: get %s mime: %w", key, err)
	}
	return data, mime, nil
}
