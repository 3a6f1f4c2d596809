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

// Package taskpool provides a fixed-size worker pool whose task list is a
// lock-free stack. The most recently submitted task is the next one picked
// up by an idle worker.
package taskpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/multigres/lfstack/go/pools/lfstack"
)

var (
	// ErrPoolClosed is returned when submitting to, or starting, a stopped
	// pool. Tasks still queued when the pool stops fail with it as well.
	ErrPoolClosed = errors.New("task pool is closed")

	// ErrAlreadyStarted is returned by Start on a running pool.
	ErrAlreadyStarted = errors.New("task pool already started")

	// ErrTaskPanicked wraps the value recovered from a panicking task.
	ErrTaskPanicked = errors.New("task panicked")
)

// Config holds configuration for the task pool.
type Config struct {
	// Name identifies the pool in logs and metrics.
	Name string

	// Workers is the number of worker goroutines.
	// If 0, defaults to the number of CPUs minus two, and at least one.
	Workers int

	// IdleWait bounds how long an idle worker sleeps before checking the
	// task list again without being woken. If 0, defaults to 10ms.
	IdleWait time.Duration

	// Logger is used for lifecycle and task failure logs.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// Meter, if set, receives the task list metrics.
	Meter metric.Meter
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	name     string
	workers  int
	idleWait time.Duration
	logger   *slog.Logger
	meter    metric.Meter

	tasks *lfstack.Stack[*Task]

	// wake nudges idle workers when a task is submitted.
	wake chan struct{}

	// mu orders Submit against Stop so no task is pushed after the final
	// drain. Submit only takes the read side.
	mu      sync.RWMutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	runCtx  context.Context
	group   *errgroup.Group
	metrics metric.Registration

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a stopped task pool. Tasks may be submitted before Start; they
// run once the workers are up.
func New(cfg Config) *Pool {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = max(runtime.NumCPU()-2, 1)
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 10 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pool{
		name:     cfg.Name,
		workers:  cfg.Workers,
		idleWait: cfg.IdleWait,
		logger:   cfg.Logger.With("pool", cfg.Name),
		meter:    cfg.Meter,
		tasks:    lfstack.New[*Task](),
		wake:     make(chan struct{}, cfg.Workers),
	}
}

// Start launches the workers. They run until Stop is called or ctx is
// cancelled. Once ctx is cancelled Submit refuses new tasks; Stop must still
// be called to fail the tasks left behind.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return ErrAlreadyStarted
	}

	if p.meter != nil {
		reg, err := lfstack.RegisterMetrics(p.meter, p.name, p.tasks)
		if err != nil {
			p.logger.Warn("task pool metrics partially unavailable", "error", err)
		}
		p.metrics = reg
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	p.runCtx = ctx
	for id := range p.workers {
		p.group.Go(func() error {
			return p.work(ctx, id)
		})
	}
	p.started = true

	p.logger.Info("task pool started", "workers", p.workers)
	return nil
}

// Submit queues fn for execution and returns a handle to wait on it.
// It returns ErrPoolClosed after Stop, or once the context passed to Start
// is done and the workers are exiting. A task that races with that
// cancellation is failed by Stop.
func (p *Pool) Submit(fn func(ctx context.Context) error) (*Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || (p.runCtx != nil && p.runCtx.Err() != nil) {
		return nil, ErrPoolClosed
	}

	t := newTask(fn)
	p.tasks.Push(t)
	p.submitted.Add(1)

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return t, nil
}

// Stop stops the workers, waits for running tasks to return, and fails
// every task that never ran with ErrPoolClosed. Stop is idempotent; later
// calls return ErrPoolClosed.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	group := p.group
	p.mu.Unlock()

	var err error
	if group != nil {
		err = group.Wait()
	}

	// Workers are gone and Submit is shut out, so this goroutine is the
	// only user of the task list from here on.
	abandoned := 0
	for {
		t, ok := p.tasks.TryPop()
		if !ok {
			break
		}
		(*t).finish(ErrPoolClosed)
		p.failed.Add(1)
		abandoned++
	}
	p.tasks.Close()

	if p.metrics != nil {
		if uerr := p.metrics.Unregister(); uerr != nil {
			err = errors.Join(err, fmt.Errorf("unregister metrics: %w", uerr))
		}
	}

	p.logger.Info("task pool stopped", "abandoned", abandoned)
	return err
}

// work is the loop of a single worker.
func (p *Pool) work(ctx context.Context, id int) error {
	idle := time.NewTimer(p.idleWait)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if t, ok := p.tasks.TryPop(); ok {
			p.run(ctx, id, *t)
			continue
		}

		idle.Reset(p.idleWait)
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-idle.C:
		}
	}
}

// run executes t, converting a panic into an error.
func (p *Pool) run(ctx context.Context, worker int, t *Task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
			}
		}()
		err = t.fn(ctx)
	}()

	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("task failed", "worker", worker, "error", err)
	} else {
		p.completed.Add(1)
	}
	t.finish(err)
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Pending:   p.tasks.Len(),
		Tasks:     p.tasks.Stats(),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Workers   int           // Number of workers
	Submitted int64         // Tasks accepted by Submit
	Completed int64         // Tasks that returned nil
	Failed    int64         // Tasks that returned an error, panicked, or never ran
	Pending   int64         // Tasks waiting in the task list
	Tasks     lfstack.Stats // Task list counters
}
