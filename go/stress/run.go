// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/multigres/lfstack/go/pools/lfstack"
)

// Result summarizes a stress run.
type Result struct {
	Config       Config        `json:"config" yaml:"config"`
	Pushed       int64         `json:"pushed" yaml:"pushed"`
	Delivered    int64         `json:"delivered" yaml:"delivered"`
	Duplicates   int64         `json:"duplicates" yaml:"duplicates"`
	Lost         int64         `json:"lost" yaml:"lost"`
	Leftover     int           `json:"leftover" yaml:"leftover"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
	OpsPerSecond float64       `json:"ops_per_second" yaml:"ops_per_second"`
	Stack        lfstack.Stats `json:"stack" yaml:"stack"`
}

// Passed reports whether the run found no violation.
func (r *Result) Passed() bool {
	return r.Verify() == nil
}

// Verify returns every violation the run found, joined, or nil.
func (r *Result) Verify() error {
	var errs []error
	if r.Duplicates > 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrDuplicate, r.Duplicates))
	}
	if r.Lost > 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrLost, r.Lost))
	}
	if r.Stack.PoisonHits > 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrUseAfterFree, r.Stack.PoisonHits))
	}
	if r.Stack.Live != 0 {
		errs = append(errs, fmt.Errorf("%w: %d live after close", ErrLeak, r.Stack.Live))
	}
	return errors.Join(errs...)
}

// tag packs a producer index and sequence number into one value.
func tag(producer, seq int) uint64 {
	return uint64(producer)<<32 | uint64(seq)
}

// untag returns the delivery slot of a tagged value.
func untag(v uint64, perProducer int) int {
	return int(v>>32)*perProducer + int(v&0xffffffff)
}

// Run pushes cfg.Producers*cfg.PerProducer distinct values through a fresh
// stack while cfg.Consumers goroutines pop them, then checks the deliveries.
//
// The returned error is non-nil if the configuration is invalid, ctx ended
// before every value was delivered, or a violation was found. A Result is
// returned whenever the run started.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []lfstack.Option
	if cfg.PoisonCheck {
		opts = append(opts, lfstack.WithPoisonCheck())
	}
	stack := lfstack.New[uint64](opts...)

	total := int64(cfg.total())
	deliveries := make([]atomic.Int32, total)
	var delivered atomic.Int64

	reporter := NewReporter(ctx, cfg.ReportInterval, stack, logger)
	reporter.Start()

	logger.InfoContext(ctx, "stress run starting",
		"producers", cfg.Producers,
		"consumers", cfg.Consumers,
		"per_producer", cfg.PerProducer,
		"poison_check", cfg.PoisonCheck,
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for p := range cfg.Producers {
		g.Go(func() error {
			for i := range cfg.PerProducer {
				if i%1024 == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				stack.Push(tag(p, i))
			}
			return nil
		})
	}
	for c := range cfg.Consumers {
		g.Go(func() error {
			var out uint64
			for delivered.Load() < total {
				if gctx.Err() != nil {
					return gctx.Err()
				}

				var v uint64
				if c%2 == 0 {
					ptr, ok := stack.TryPop()
					if !ok {
						runtime.Gosched()
						continue
					}
					v = *ptr
				} else {
					if !stack.TryPopInto(&out) {
						runtime.Gosched()
						continue
					}
					v = out
				}

				slot := untag(v, cfg.PerProducer)
				if slot < 0 || slot >= len(deliveries) {
					return fmt.Errorf("popped value %#x outside of the pushed range", v)
				}
				deliveries[slot].Add(1)
				delivered.Add(1)
			}
			return nil
		})
	}
	runErr := g.Wait()
	elapsed := time.Since(start)
	reporter.Stop()

	res := &Result{
		Config:    cfg,
		Delivered: delivered.Load(),
		Duration:  elapsed,
	}

	// Everyone else is gone, so closing is safe and drains the deferred
	// list; a correct run leaves nothing behind.
	res.Leftover = stack.Close()
	res.Stack = stack.Stats()
	res.Pushed = res.Stack.Pushes
	if secs := elapsed.Seconds(); secs > 0 {
		res.OpsPerSecond = float64(res.Stack.Pushes+res.Stack.Pops) / secs
	}

	if runErr != nil {
		return res, fmt.Errorf("stress run aborted: %w", runErr)
	}

	for i := range deliveries {
		switch n := deliveries[i].Load(); {
		case n == 0:
			res.Lost++
		case n > 1:
			res.Duplicates += int64(n - 1)
		}
	}

	err := res.Verify()
	logger.InfoContext(ctx, "stress run finished",
		"passed", err == nil,
		"delivered", res.Delivered,
		"duration", res.Duration,
		"ops_per_sec", int64(res.OpsPerSecond),
		"recycled", res.Stack.Recycled,
		"rechains", res.Stack.Rechains,
	)
	return res, err
}
