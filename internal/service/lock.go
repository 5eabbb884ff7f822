package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ifuryst/dispatcher/internal/service/dispatch"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock keeps overlapping publish runs apart using SET NX with a TTL.
type RunLock struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

var _ dispatch.Locker = (*RunLock)(nil)

func NewRunLock(client *redis.Client, key string, logger *zap.Logger) *RunLock {
	return &RunLock{
		client: client,
		key:    key,
		logger: logger,
	}
}

func (l *RunLock) TryLock(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("Failed to release run lock", zap.String("key", l.key), zap.Error(err))
		}
	}
	return release, true, nil
}
