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

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stiwatch/ingestion/internal/metrics"
	"github.com/stiwatch/ingestion/internal/models"
	"github.com/stiwatch/ingestion/internal/queue"
)

// RecordProcessor handles one failure record.
type RecordProcessor interface {
	Process(ctx context.Context, fr models.FailureRecord) (*models.CertificateRecord, error)
}

// depthInterval is how often the queue depth gauge is refreshed.
const depthInterval = 5 * time.Second

// Pool drains a queue with a fixed number of workers.
type Pool struct {
	q       queue.Queue
	proc    RecordProcessor
	workers int
}

// NewPool creates a worker pool.
func NewPool(q queue.Queue, proc RecordProcessor, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{q: q, proc: proc, workers: workers}
}

// Run blocks until ctx is cancelled or the queue is closed and drained.
// Record failures are logged; they never stop the pool.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("worker pool started", "workers", p.workers)

	depthCtx, stopDepth := context.WithCancel(ctx)
	defer stopDepth()
	go p.reportDepth(depthCtx)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error { return p.work(gctx, id) })
	}
	err := g.Wait()
	slog.Info("worker pool stopped")
	if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, id int) error {
	m := metrics.Get()
	for {
		task, err := p.q.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return err
			}
			m.QueueFailures.WithLabelValues("dequeue").Inc()
			slog.Error("dequeue failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		// Records already accepted are finished even during shutdown.
		if _, err := p.proc.Process(context.WithoutCancel(ctx), task.Record); err != nil {
			slog.Error("queued record failed", "worker", id, "task_id", task.ID, "uuid", task.Record.UUID, "error", err)
		}
	}
}

func (p *Pool) reportDepth(ctx context.Context) {
	m := metrics.Get()
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		if n, err := p.q.Len(ctx); err == nil {
			m.QueueDepth.Set(float64(n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
