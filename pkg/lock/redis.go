/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
)

const lockKeyPrefix = "deploynaut:lock:"

// releaseScript deletes the key only when the caller still owns it, so a
// handle whose TTL already lapsed cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a cross-instance Locker using SET NX PX with an ownership token.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (l *Redis) Acquire(ctx context.Context, name string, ttl, waitTimeout time.Duration) (Handle, error) {
	key := lockKeyPrefix + name
	token := uuid.NewString()
	deadline := time.Now().Add(waitTimeout)

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, apperrors.NewDatabaseError("lock acquire", err)
		}
		if ok {
			return &redisHandle{client: l.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, apperrors.NewLockContentionError(name)
		}
		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

type redisHandle struct {
	client *redis.Client
	key    string
	token  string
}

// Release is idempotent: the compare-and-delete script is a no-op when the
// key is gone or owned by someone else.
func (h *redisHandle) Release() error {
	_, err := releaseScript.Run(context.Background(), h.client, []string{h.key}, h.token).Result()
	if err != nil && err != redis.Nil {
		return apperrors.NewDatabaseError("lock release", err)
	}
	return nil
}
