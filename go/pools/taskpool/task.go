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

import "context"

// Task is a handle to a submitted function.
type Task struct {
	fn   func(ctx context.Context) error
	done chan struct{}
	err  error
}

func newTask(fn func(ctx context.Context) error) *Task {
	return &Task{
		fn:   fn,
		done: make(chan struct{}),
	}
}

// Done returns a channel that is closed once the task has finished, either
// by running or by being abandoned when the pool stopped.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns its error, or returns the
// context error if ctx ends first.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task error. Only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}
