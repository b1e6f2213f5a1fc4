package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	appLog "capsched/internal/log"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key prefix, default "capsched"
	TTL      time.Duration // entry expiry, 0 keeps entries forever
}

// bumpAttempts bounds the optimistic transaction in Bump.
const bumpAttempts = 8

// RedisBackend stores entries as JSON under "<prefix>:calendar:<agent>" and
// the shared lastModified, in unix nanoseconds, under
// "<prefix>:last-modified".
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	b := NewRedisBackendWithClient(client, cfg.Prefix, cfg.TTL)
	b.logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to Redis calendar cache")
	return b, nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "capsched"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: appLog.WithComponent("calendar-redis"),
	}
}

func (b *RedisBackend) key(agent string) string {
	return b.prefix + ":calendar:" + agent
}

func (b *RedisBackend) clockKey() string {
	return b.prefix + ":last-modified"
}

var _ SharedClock = (*RedisBackend)(nil)

// LastModified reads the shared lastModified.
func (b *RedisBackend) LastModified(ctx context.Context) (time.Time, bool, error) {
	n, err := b.client.Get(ctx, b.clockKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get last-modified: %w", err)
	}
	return time.Unix(0, n), true, nil
}

// Bump raises the shared lastModified to at (or one nanosecond past the
// stored value) with a WATCH/MULTI transaction, retried when another
// process wins the race.
func (b *RedisBackend) Bump(ctx context.Context, at time.Time) (time.Time, error) {
	key := b.clockKey()
	for attempt := 1; attempt <= bumpAttempts; attempt++ {
		next := at.UnixNano()
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if next <= cur {
				next = cur + 1
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				return nil
			})
			return err
		}, key)
		if err == nil {
			return time.Unix(0, next), nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return time.Time{}, fmt.Errorf("redis bump last-modified: %w", err)
		}
		b.logger.Debug().Int("attempt", attempt).Msg("last-modified bump lost a race, retrying")
	}
	return time.Time{}, errors.New("redis bump last-modified: too much contention")
}

func (b *RedisBackend) Get(ctx context.Context, agent string) (Entry, bool, error) {
	raw, err := b.client.Get(ctx, b.key(agent)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", agent, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		b.logger.Warn().Err(err).Str("agent", agent).Msg("dropping undecodable calendar entry")
		_ = b.Delete(ctx, agent)
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (b *RedisBackend) Put(ctx context.Context, agent string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, b.key(agent), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", agent, err)
	}
	return nil
}

// Delete removes the entry of agent.
func (b *RedisBackend) Delete(ctx context.Context, agent string) error {
	return b.client.Del(ctx, b.key(agent)).Err()
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
