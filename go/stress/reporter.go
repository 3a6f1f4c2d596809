// Copyright 2019 The Vitess Authors.
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
//
// Modifications Copyright 2025 Supabase, Inc.

package stress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/multigres/lfstack/go/pools/lfstack"
)

// Reporter samples a stack's statistics at a fixed interval and logs the
// change since the previous sample.
//
// Key behaviors:
//   - The next sample is scheduled only after the current one is logged
//   - Stop waits for an in-flight sample and logs nothing afterwards
//   - Start after Stop resumes sampling from the current counters
type Reporter struct {
	parentCtx context.Context
	interval  time.Duration
	source    lfstack.StatsSource
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	timer   *time.Timer
	wg      sync.WaitGroup
	last    lfstack.Stats
	lastAt  time.Time
	samples int
}

// NewReporter creates a stopped Reporter for source.
func NewReporter(ctx context.Context, interval time.Duration, source lfstack.StatsSource, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		parentCtx: ctx,
		interval:  interval,
		source:    source,
		logger:    logger,
	}
}

// Start begins sampling. Returns false if the reporter was already running
// or the interval is not positive.
func (r *Reporter) Start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running || r.interval <= 0 {
		return false
	}

	r.running = true
	r.ctx, r.cancel = context.WithCancel(r.parentCtx)
	r.last = r.source.Stats()
	r.lastAt = time.Now()
	r.scheduleNext()
	return true
}

// Stop halts sampling and waits for an in-flight sample to finish.
// Stop is idempotent.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}

	r.running = false
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.ctx = nil
	r.cancel = nil
	r.mu.Unlock()

	r.wg.Wait()
}

// Samples returns how many samples have been logged.
func (r *Reporter) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}

// scheduleNext must be called while holding r.mu.
func (r *Reporter) scheduleNext() {
	r.timer = time.AfterFunc(r.interval, r.sample)
}

func (r *Reporter) sample() {
	r.mu.Lock()
	if !r.running || r.ctx == nil {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	defer r.wg.Done()

	ctx := r.ctx
	prev, prevAt := r.last, r.lastAt
	r.mu.Unlock()

	now := time.Now()
	cur := r.source.Stats()
	elapsed := now.Sub(prevAt).Seconds()
	pops := cur.Pops - prev.Pops
	r.logger.InfoContext(ctx, "stack progress",
		"pushes", cur.Pushes,
		"pops", cur.Pops,
		"pops_per_sec", int64(float64(pops)/max(elapsed, 1e-9)),
		"live", cur.Live,
		"deferred", cur.Deferred,
		"recycled", cur.Recycled,
		"rechains", cur.Rechains,
		"poison_hits", cur.PoisonHits,
	)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = cur
	r.lastAt = now
	r.samples++
	if !r.running {
		return
	}
	r.scheduleNext()
}
