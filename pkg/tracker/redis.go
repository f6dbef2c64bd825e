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

package tracker

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/deployment"
)

const (
	inProgressKeyPrefix = "deploynaut:inprogress:"
	resultKeyPrefix     = "deploynaut:result:"
	inProgressIDSetKey  = "deploynaut:inprogress:ids"
	resultIDSetKey      = "deploynaut:result:ids"
)

// closeOutScript stores the terminal state and clears the in-progress entry
// in one atomic Redis execution, including both id-set updates.
var closeOutScript = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
redis.call("DEL", KEYS[3])
redis.call("SREM", KEYS[4], ARGV[3])
return 1
`)

// Redis is a Tracker backed by Redis, shared across engine instances. The
// value keys expire via Redis TTL; id-set members are evicted lazily when a
// listing discovers the value key is gone.
type Redis struct {
	client        *redis.Client
	inProgressTTL time.Duration
	resultTTL     time.Duration
}

// NewRedis creates a Redis-backed tracker with the given TTLs.
func NewRedis(client *redis.Client, inProgressTTL, resultTTL time.Duration) *Redis {
	return &Redis{
		client:        client,
		inProgressTTL: inProgressTTL,
		resultTTL:     resultTTL,
	}
}

func (r *Redis) TrackInProgress(ctx context.Context, req *deployment.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return apperrors.NewInternalError(err, "failed to encode in-progress entry")
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, inProgressKeyPrefix+req.ExecutionID, payload, r.inProgressTTL)
	pipe.SAdd(ctx, inProgressIDSetKey, req.ExecutionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewDatabaseError("track in-progress", err)
	}
	return nil
}

func (r *Redis) StoreResult(ctx context.Context, exec *deployment.Execution) error {
	payload, err := json.Marshal(exec)
	if err != nil {
		return apperrors.NewInternalError(err, "failed to encode result entry")
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, resultKeyPrefix+exec.ExecutionID, payload, r.resultTTL)
	pipe.SAdd(ctx, resultIDSetKey, exec.ExecutionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewDatabaseError("store result", err)
	}
	return nil
}

func (r *Redis) RemoveInProgress(ctx context.Context, executionID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, inProgressKeyPrefix+executionID)
	pipe.SRem(ctx, inProgressIDSetKey, executionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewDatabaseError("remove in-progress", err)
	}
	return nil
}

func (r *Redis) StoreResultAndClearInProgress(ctx context.Context, exec *deployment.Execution) error {
	payload, err := json.Marshal(exec)
	if err != nil {
		return apperrors.NewInternalError(err, "failed to encode result entry")
	}
	keys := []string{
		resultKeyPrefix + exec.ExecutionID,
		resultIDSetKey,
		inProgressKeyPrefix + exec.ExecutionID,
		inProgressIDSetKey,
	}
	args := []interface{}{payload, r.resultTTL.Milliseconds(), exec.ExecutionID}
	if err := closeOutScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return apperrors.NewDatabaseError("close out execution", err)
	}
	return nil
}

func (r *Redis) GetResult(ctx context.Context, executionID string) (*deployment.Execution, error) {
	payload, err := r.client.Get(ctx, resultKeyPrefix+executionID).Bytes()
	if err == redis.Nil {
		return nil, apperrors.NewNotFoundError("deployment result " + executionID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get result", err)
	}
	var exec deployment.Execution
	if err := json.Unmarshal(payload, &exec); err != nil {
		return nil, apperrors.NewInternalError(err, "failed to decode result entry")
	}
	return &exec, nil
}

func (r *Redis) GetInProgress(ctx context.Context, executionID string) (*deployment.Request, error) {
	payload, err := r.client.Get(ctx, inProgressKeyPrefix+executionID).Bytes()
	if err == redis.Nil {
		return nil, apperrors.NewNotFoundError("in-progress deployment " + executionID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get in-progress", err)
	}
	var req deployment.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperrors.NewInternalError(err, "failed to decode in-progress entry")
	}
	return &req, nil
}

func (r *Redis) ListResults(ctx context.Context, page Page) ([]*deployment.Execution, error) {
	ids, err := r.liveIDs(ctx, resultIDSetKey, resultKeyPrefix)
	if err != nil {
		return nil, err
	}
	all := make([]*deployment.Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := r.GetResult(ctx, id)
		if err != nil {
			if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
				continue
			}
			return nil, err
		}
		all = append(all, exec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	if page.Limit <= 0 {
		page.Limit = len(all)
	}
	if page.Offset >= len(all) {
		return nil, nil
	}
	end := page.Offset + page.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[page.Offset:end], nil
}

func (r *Redis) ListInProgress(ctx context.Context) ([]*deployment.Request, error) {
	ids, err := r.liveIDs(ctx, inProgressIDSetKey, inProgressKeyPrefix)
	if err != nil {
		return nil, err
	}
	all := make([]*deployment.Request, 0, len(ids))
	for _, id := range ids {
		req, err := r.GetInProgress(ctx, id)
		if err != nil {
			if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
				continue
			}
			return nil, err
		}
		all = append(all, req)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}

func (r *Redis) EvictStaleIDs(ctx context.Context) error {
	if _, err := r.liveIDs(ctx, inProgressIDSetKey, inProgressKeyPrefix); err != nil {
		return err
	}
	_, err := r.liveIDs(ctx, resultIDSetKey, resultKeyPrefix)
	return err
}

// liveIDs returns the id-set members whose value key still exists, dropping
// stale members from the set as it goes. This is the lazy eviction that
// keeps the id-sets from growing without bound after TTL expiry.
func (r *Redis) liveIDs(ctx context.Context, idSetKey, valuePrefix string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, idSetKey).Result()
	if err != nil {
		return nil, apperrors.NewDatabaseError("list ids", err)
	}
	live := make([]string, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		exists, err := r.client.Exists(ctx, valuePrefix+id).Result()
		if err != nil {
			return nil, apperrors.NewDatabaseError("check id liveness", err)
		}
		if exists == 0 {
			stale = append(stale, id)
			continue
		}
		live = append(live, id)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, idSetKey, stale...).Err(); err != nil {
			return nil, apperrors.NewDatabaseError("evict stale ids", err)
		}
	}
	return live, nil
}
