package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Velocity counts purchase events per account per hour.
type Velocity interface {
	Record(ctx context.Context, userID uuid.UUID) (int64, error)
}

// RedisVelocity keeps one counter per account per clock hour.
type RedisVelocity struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisVelocity connects to url and verifies the connection.
func NewRedisVelocity(ctx context.Context, url string) (*RedisVelocity, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisVelocityWithClient(client), nil
}

func NewRedisVelocityWithClient(client *redis.Client) *RedisVelocity {
	return &RedisVelocity{client: client, now: time.Now}
}

func (v *RedisVelocity) Record(ctx context.Context, userID uuid.UUID) (int64, error) {
	bucket := v.now().UTC().Truncate(time.Hour)
	key := fmt.Sprintf("velocity:purchase:%s:%d", userID, bucket.Unix())
	var incr *redis.IntCmd
	_, err := v.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*time.Hour)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("velocity incr: %w", err)
	}
	return incr.Val(), nil
}

func (v *RedisVelocity) Close() error {
	return v.client.Close()
}

// NoopVelocity is used when no Redis is configured.
type NoopVelocity struct{}

func (NoopVelocity) Record(context.Context, uuid.UUID) (int64, error) { return 0, nil }
