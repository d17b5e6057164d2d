package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	metaFieldIndexedAt = "last_indexed_at"
	metaFieldIndexType = "last_index_type"
	metaFieldSHA       = "last_indexed_sha"
)

// RedisMetaStore keeps per-(repoID, branch) index metadata in a Redis
// hash at index:{repoID}:{branch}:meta.
type RedisMetaStore struct {
	client redis.UniversalClient
}

// NewRedisMetaStore wraps an existing Redis client.
func NewRedisMetaStore(client redis.UniversalClient) *RedisMetaStore {
	return &RedisMetaStore{client: client}
}

func metaKey(repoID, branch string) string {
	return fmt.Sprintf("index:%s:%s:meta", repoID, branch)
}

// SetMeta writes the metadata hash for a repository branch.
func (s *RedisMetaStore) SetMeta(ctx context.Context, repoID, branch string, meta IndexMeta) error {
	key := metaKey(repoID, branch)
	fields := map[string]any{
		metaFieldIndexedAt: meta.LastIndexedAt.UTC().Format(time.RFC3339),
		metaFieldIndexType: meta.LastIndexType,
		metaFieldSHA:       meta.LastIndexedSHA,
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to write index meta for %s: %w", key, err)
	}
	return nil
}

// GetMeta reads the metadata hash. Returns nil when no record exists.
func (s *RedisMetaStore) GetMeta(ctx context.Context, repoID, branch string) (*IndexMeta, error) {
	key := metaKey(repoID, branch)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index meta for %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	meta := &IndexMeta{
		LastIndexType:  fields[metaFieldIndexType],
		LastIndexedSHA: fields[metaFieldSHA],
	}
	if raw := fields[metaFieldIndexedAt]; raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_indexed_at %q: %w", raw, err)
		}
		meta.LastIndexedAt = ts
	}
	return meta, nil
}

// DeleteMeta removes the metadata hash.
func (s *RedisMetaStore) DeleteMeta(ctx context.Context, repoID, branch string) error {
	key := metaKey(repoID, branch)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete index meta for %s: %w", key, err)
	}
	return nil
}

// IsIndexed reports whether a branch has a completed index. A record
// counts only when the stored SHA field is non-empty.
func (s *RedisMetaStore) IsIndexed(ctx context.Context, repoID, branch string) (bool, error) {
	meta, err := s.GetMeta(ctx, repoID, branch)
	if err != nil {
		return false, err
	}
	return meta != nil && meta.LastIndexedSHA != "", nil
}

var _ MetaStore = (*RedisMetaStore)(nil)
