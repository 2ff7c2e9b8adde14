package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"magnetstream/internal/domain"
)

const metadataPrefix = "magnetstream:meta:"

// RedisMetadataCache keeps resolved file listings in Redis as JSON so a
// restarted process can list a magnet's files without rejoining the swarm.
// It implements ports.MetadataCache.
type RedisMetadataCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMetadataCache returns a cache whose entries expire after ttl. A
// non-positive ttl keeps entries until deleted.
func NewRedisMetadataCache(client *redis.Client, ttl time.Duration) *RedisMetadataCache {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisMetadataCache{client: client, ttl: ttl}
}

func metadataKey(infoHash domain.InfoHash) string {
	return metadataPrefix + string(infoHash)
}

func (c *RedisMetadataCache) Get(ctx context.Context, infoHash domain.InfoHash) (domain.TorrentMetadata, error) {
	data, err := c.client.Get(ctx, metadataKey(infoHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TorrentMetadata{}, domain.ErrNotFound
		}
		return domain.TorrentMetadata{}, err
	}
	return decodeMetadata(data)
}

func (c *RedisMetadataCache) Set(ctx context.Context, meta domain.TorrentMetadata) error {
	data, err := encodeMetadata(meta)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, metadataKey(meta.InfoHash), data, c.ttl).Err()
}

func (c *RedisMetadataCache) Delete(ctx context.Context, infoHash domain.InfoHash) error {
	return c.client.Del(ctx, metadataKey(infoHash)).Err()
}

func (c *RedisMetadataCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func encodeMetadata(meta domain.TorrentMetadata) ([]byte, error) {
	// Download progress is live state; a cached listing starts from zero.
	files := make([]domain.FileRef, len(meta.Files))
	for i, f := range meta.Files {
		f.BytesCompleted = 0
		files[i] = f
	}
	meta.Files = files
	return json.Marshal(meta)
}

func decodeMetadata(data []byte) (domain.TorrentMetadata, error) {
	var meta domain.TorrentMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.TorrentMetadata{}, err
	}
	if meta.InfoHash == "" {
		return domain.TorrentMetadata{}, errors.New("cached metadata has no infohash")
	}
	return meta, nil
}
