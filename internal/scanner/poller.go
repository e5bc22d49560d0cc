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

package scanner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stiwatch/ingestion/internal/metrics"
)

// Poller runs ScanAll once at startup and then on every interval tick.
// A tick that arrives while the previous cycle is still running is
// skipped.
type Poller struct {
	scanner  *Scanner
	interval time.Duration
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewPoller creates a poller for s.
func NewPoller(s *Scanner, interval time.Duration) *Poller {
	return &Poller{scanner: s, interval: interval}
}

// Run blocks until ctx is cancelled and the last cycle has finished.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("log scanner starting",
		"interval", p.interval,
		"text_dir", p.scanner.cfg.TextDir,
		"batch_dir", p.scanner.cfg.BatchDir,
	)
	defer p.wg.Wait()

	p.tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("log scanner stopping")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick starts a cycle in the background unless one is in flight.
func (p *Poller) tick(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		metrics.Get().ScansSkipped.Inc()
		slog.Warn("previous scan still running, skipping tick")
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Store(false)
		p.scanner.ScanAll(ctx)
	}()
}
