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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stiwatch/ingestion/internal/models"
)

// Memory is a bounded in-process queue. Enqueue blocks while it is full.
type Memory struct {
	ch        chan *Task
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemory creates an in-memory queue holding up to capacity tasks.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		ch:     make(chan *Task, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue implements Queue.
func (q *Memory) Enqueue(ctx context.Context, recs ...models.FailureRecord) error {
	for _, rec := range recs {
		task := &Task{
			ID:         uuid.New().String(),
			Source:     "api",
			EnqueuedAt: time.Now().UTC(),
			Record:     rec,
		}
		select {
		case <-q.closed:
			return ErrClosed
		default:
		}
		select {
		case q.ch <- task:
		case <-q.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Dequeue implements Queue. After Close, remaining tasks are still handed
// out before ErrClosed is returned.
func (q *Memory) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.ch:
		return t, nil
	default:
	}
	select {
	case t := <-q.ch:
		return t, nil
	case <-q.closed:
		select {
		case t := <-q.ch:
			return t, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len implements Queue.
func (q *Memory) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Close stops accepting new tasks.
func (q *Memory) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
