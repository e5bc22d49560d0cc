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

// Package queue carries accepted failure records from the HTTP ingestion
// endpoint to the pipeline workers. The Redis queue survives restarts and
// can be shared by several replicas; the in-memory queue is used when no
// Redis is configured.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/stiwatch/ingestion/internal/models"
)

// ErrClosed is returned by Dequeue once a queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO of failure records.
type Queue interface {
	Enqueue(ctx context.Context, recs ...models.FailureRecord) error
	// Dequeue blocks until a record is available or ctx is done.
	Dequeue(ctx context.Context) (*Task, error)
	Len(ctx context.Context) (int64, error)
}

// Task is one queued record with its envelope metadata.
type Task struct {
	ID         string               `json:"id"`
	Source     string               `json:"source"`
	EnqueuedAt time.Time            `json:"enqueued_at"`
	Record     models.FailureRecord `json:"record"`
}
