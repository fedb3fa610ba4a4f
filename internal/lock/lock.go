// Package lock is an optional redis-backed mutex used to keep concurrent
// settlement runs for the same organization off each other. The database
// advisory lock remains the correctness guarantee; this one just keeps
// competing workers from burning a transaction to find out they lost.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/roundup/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

// TryLock acquires the per-organization settlement key. The returned token
// must be handed back to Release; only the holder can release.
func (l *Locker) TryLock(ctx context.Context, orgID snowflake.ID, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		// No redis configured; callers fall through to the database lock.
		return "", true, nil
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key(orgID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, orgID snowflake.ID, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key(orgID)}, token).Err()
}

func key(orgID snowflake.ID) string {
	return fmt.Sprintf("roundup:settlement:%d", orgID)
}

func newClient(cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Info("redis not configured, settlement lock runs on the database only")
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func registerHooks(lc fx.Lifecycle, client *redis.Client) {
	if client == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
}

var Module = fx.Module("lock",
	fx.Provide(newClient, NewLocker),
	fx.Invoke(registerHooks),
)
