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

package taskpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPool(t *testing.T, workers int) *Pool {
	t.Helper()
	p := New(Config{Name: t.Name(), Workers: workers, IdleWait: time.Millisecond})
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestPoolRunsTasks(t *testing.T) {
	p := newTestPool(t, 4)
	require.NoError(t, p.Start(t.Context()))

	var ran atomic.Int64
	var tasks []*Task
	for range 100 {
		task, err := p.Submit(func(context.Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	for _, task := range tasks {
		require.NoError(t, task.Wait(t.Context()))
	}
	assert.Equal(t, int64(100), ran.Load())

	stats := p.Stats()
	assert.Equal(t, int64(100), stats.Submitted)
	assert.Equal(t, int64(100), stats.Completed)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Pending)
}

func TestPoolRunsMostRecentFirst(t *testing.T) {
	p := newTestPool(t, 1)

	var mu sync.Mutex
	var order []int
	var tasks []*Task
	for i := range 5 {
		task, err := p.Submit(func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	require.NoError(t, p.Start(t.Context()))
	for _, task := range tasks {
		require.NoError(t, task.Wait(t.Context()))
	}

	assert.Equal(t, []int{4, 3, 2, 1, 0}, order)
}

func TestPoolTaskError(t *testing.T) {
	p := newTestPool(t, 2)
	require.NoError(t, p.Start(t.Context()))

	boom := errors.New("boom")
	task, err := p.Submit(func(context.Context) error { return boom })
	require.NoError(t, err)

	assert.ErrorIs(t, task.Wait(t.Context()), boom)
	<-task.Done()
	assert.ErrorIs(t, task.Err(), boom)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPoolTaskPanic(t *testing.T) {
	p := newTestPool(t, 1)
	require.NoError(t, p.Start(t.Context()))

	task, err := p.Submit(func(context.Context) error { panic("kaboom") })
	require.NoError(t, err)

	err = task.Wait(t.Context())
	require.ErrorIs(t, err, ErrTaskPanicked)
	assert.Contains(t, err.Error(), "kaboom")

	// The worker survives the panic.
	task, err = p.Submit(func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, task.Wait(t.Context()))
}

func TestPoolStopFailsPendingTasks(t *testing.T) {
	p := New(Config{Workers: 1})

	var tasks []*Task
	for range 3 {
		task, err := p.Submit(func(context.Context) error { return nil })
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	require.NoError(t, p.Stop())
	for _, task := range tasks {
		assert.ErrorIs(t, task.Wait(t.Context()), ErrPoolClosed)
	}

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Failed)
	assert.Zero(t, stats.Tasks.Live, "stopping must release every task list node")
}

func TestPoolLifecycleErrors(t *testing.T) {
	p := New(Config{Workers: 1})
	require.NoError(t, p.Start(t.Context()))
	assert.ErrorIs(t, p.Start(t.Context()), ErrAlreadyStarted)

	require.NoError(t, p.Stop())
	assert.ErrorIs(t, p.Stop(), ErrPoolClosed)
	assert.ErrorIs(t, p.Start(t.Context()), ErrPoolClosed)

	_, err := p.Submit(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolRefusesTasksAfterStartContextDone(t *testing.T) {
	p := New(Config{Workers: 2})
	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, p.Start(ctx))

	task, err := p.Submit(func(context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, task.Wait(t.Context()))

	cancel()
	_, err = p.Submit(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed, "no worker is left to run the task")

	require.NoError(t, p.Stop())
	assert.Equal(t, int64(1), p.Stats().Submitted)
}

func TestPoolStopCancelsRunningTasks(t *testing.T) {
	p := New(Config{Workers: 1})
	require.NoError(t, p.Start(t.Context()))

	started := make(chan struct{})
	task, err := p.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, p.Stop())
	assert.ErrorIs(t, task.Wait(t.Context()), context.Canceled)
}

func TestTaskWaitContext(t *testing.T) {
	p := newTestPool(t, 1)

	task, err := p.Submit(func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, task.Err(), "unfinished task has no error yet")

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.DeadlineExceeded, "pool never started")
}

func TestPoolConcurrentSubmitters(t *testing.T) {
	p := newTestPool(t, 4)
	require.NoError(t, p.Start(t.Context()))

	const submitters, perSubmitter = 8, 500
	var ran atomic.Int64

	var wg sync.WaitGroup
	for range submitters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perSubmitter {
				task, err := p.Submit(func(context.Context) error {
					ran.Add(1)
					return nil
				})
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, task.Wait(t.Context()))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(submitters*perSubmitter), ran.Load())
	assert.Zero(t, p.Stats().Tasks.PoisonHits)
}

func TestPoolMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	p := New(Config{Name: "jobs", Workers: 1, Meter: provider.Meter("test")})
	require.NoError(t, p.Start(t.Context()))

	task, err := p.Submit(func(context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, task.Wait(t.Context()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))

	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "lfstack.pushes" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("stack.name"); ok && v.AsString() == "jobs" {
					assert.Equal(t, int64(1), dp.Value)
					found = true
				}
			}
		}
	}
	assert.True(t, found, "task list metrics should be exported")

	require.NoError(t, p.Stop())
}
