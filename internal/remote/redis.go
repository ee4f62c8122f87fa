package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps an account's blobs in Redis:
//
//	todosync:{account}:name:{name} -> blob id
//	todosync:{account}:blob:{id}   -> content
//
// Like the drive it stands in for, it offers no compare-and-swap; the lock
// protocol is what coordinates writers.
type RedisStore struct {
	client  redis.UniversalClient
	account string
}

// NewRedisStore returns the store of account on client.
func NewRedisStore(client redis.UniversalClient, account string) *RedisStore {
	return &RedisStore{client: client, account: account}
}

func (r *RedisStore) nameKey(name string) string {
	return fmt.Sprintf("todosync:%s:name:%s", r.account, name)
}

func (r *RedisStore) blobKey(id string) string {
	return fmt.Sprintf("todosync:%s:blob:%s", r.account, id)
}

// FileIDByName implements BlobStore.
func (r *RedisStore) FileIDByName(ctx context.Context, name string) (string, error) {
	id, err := r.client.Get(ctx, r.nameKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", name, err)
	}
	return id, nil
}

// CreateFile implements BlobStore by creating an empty blob. If another
// device created the name concurrently, its id wins and is returned.
func (r *RedisStore) CreateFile(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	if err := r.client.Set(ctx, r.blobKey(id), []byte{}, 0).Err(); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	created, err := r.client.SetNX(ctx, r.nameKey(name), id, 0).Result()
	if err != nil {
		return "", fmt.Errorf("failed to name %s: %w", name, err)
	}
	if !created {
		_ = r.client.Del(ctx, r.blobKey(id)).Err()
		return r.FileIDByName(ctx, name)
	}
	return id, nil
}

// Download implements BlobStore.
func (r *RedisStore) Download(ctx context.Context, id string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.blobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", id, err)
	}
	return data, nil
}

// Upload implements BlobStore. Only blobs that exist are overwritten, like a
// drive file update.
func (r *RedisStore) Upload(ctx context.Context, id string, data []byte) error {
	ok, err := r.client.SetXX(ctx, r.blobKey(id), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	return nil
}

// RedisConnector opens RedisStores on a shared client.
type RedisConnector struct {
	client redis.UniversalClient
}

// NewRedisConnector parses a redis:// URL and connects.
func NewRedisConnector(ctx context.Context, redisURL string) (*RedisConnector, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisConnector{client: client}, nil
}

// NewRedisConnectorWithClient wraps an existing client.
func NewRedisConnectorWithClient(client redis.UniversalClient) *RedisConnector {
	return &RedisConnector{client: client}
}

// Connect returns the RedisStore of account.
func (c *RedisConnector) Connect(ctx context.Context, account string) (BlobStore, error) {
	if account == "" {
		return nil, fmt.Errorf("account is required")
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach Redis: %w", err)
	}
	return NewRedisStore(c.client, account), nil
}

// Close closes the client.
func (c *RedisConnector) Close() error {
	return c.client.Close()
}
