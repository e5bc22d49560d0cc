// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stiwatch/ingestion/internal/models"
)

// popTimeout bounds each BRPOP so Dequeue notices cancellation.
const popTimeout = 5 * time.Second

// Redis is a list-backed queue: producers LPUSH, consumers BRPOP.
type Redis struct {
	rdb       *redis.Client
	queueName string
	source    string
}

// NewRedis creates a Redis queue on the given list key.
func NewRedis(rdb *redis.Client, queueName string) *Redis {
	return &Redis{
		rdb:       rdb,
		queueName: queueName,
		source:    "api",
	}
}

// Enqueue pushes recs in order.
func (q *Redis) Enqueue(ctx context.Context, recs ...models.FailureRecord) error {
	if len(recs) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(recs))
	for _, rec := range recs {
		task := Task{
			ID:         uuid.New().String(),
			Source:     q.source,
			EnqueuedAt: time.Now().UTC(),
			Record:     rec,
		}
		b, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		values = append(values, string(b))
	}

	if err := q.rdb.LPush(ctx, q.queueName, values...).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("enqueued failure records", "count", len(recs), "queue", q.queueName)
	return nil
}

// Dequeue implements Queue.
func (q *Redis) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := q.rdb.BRPop(ctx, popTimeout, q.queueName).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis BRPOP: %w", err)
		}
		// res is [key, value]
		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			slog.Warn("dropping undecodable queue entry", "queue", q.queueName, "error", err)
			continue
		}
		return &task, nil
	}
}

// Len implements Queue.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}

// Ping checks the Redis connection.
func (q *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}
