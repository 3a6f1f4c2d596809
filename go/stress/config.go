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

// Package stress drives a lock-free stack with concurrent producers and
// consumers and verifies that every pushed value is delivered exactly once
// and that no popper ever touches a recycled node.
package stress

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidConfig is returned when a Config fails validation.
	ErrInvalidConfig = errors.New("invalid stress config")

	// ErrDuplicate reports values delivered more than once.
	ErrDuplicate = errors.New("values delivered more than once")

	// ErrLost reports values that were pushed but never delivered.
	ErrLost = errors.New("values lost")

	// ErrUseAfterFree reports poppers dereferencing recycled nodes.
	ErrUseAfterFree = errors.New("recycled nodes dereferenced")

	// ErrLeak reports nodes still live after the stack was closed.
	ErrLeak = errors.New("nodes leaked")
)

// Config describes a stress run.
type Config struct {
	// Producers is the number of goroutines pushing values.
	Producers int `mapstructure:"producers" json:"producers" yaml:"producers"`

	// Consumers is the number of goroutines popping values. Even-numbered
	// consumers use TryPop, odd-numbered ones TryPopInto.
	Consumers int `mapstructure:"consumers" json:"consumers" yaml:"consumers"`

	// PerProducer is the number of distinct values each producer pushes.
	PerProducer int `mapstructure:"per_producer" json:"per_producer" yaml:"per_producer"`

	// PoisonCheck enables recycled-node detection in the stack.
	PoisonCheck bool `mapstructure:"poison_check" json:"poison_check" yaml:"poison_check"`

	// ReportInterval is how often progress is logged. Zero disables
	// progress logs.
	ReportInterval time.Duration `mapstructure:"report_interval" json:"report_interval" yaml:"report_interval"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Producers:      2,
		Consumers:      4,
		PerProducer:    10000,
		PoisonCheck:    true,
		ReportInterval: time.Second,
	}
}

// Validate checks that the configuration describes a run that can finish.
func (c Config) Validate() error {
	var errs []error
	if c.Producers <= 0 {
		errs = append(errs, fmt.Errorf("producers must be positive, got %d", c.Producers))
	}
	if c.Consumers <= 0 {
		errs = append(errs, fmt.Errorf("consumers must be positive, got %d", c.Consumers))
	}
	if c.PerProducer <= 0 || uint64(c.PerProducer) > math.MaxUint32 {
		errs = append(errs, fmt.Errorf("per_producer must be in [1, %d], got %d", uint32(math.MaxUint32), c.PerProducer))
	}
	if c.ReportInterval < 0 {
		errs = append(errs, fmt.Errorf("report_interval must not be negative, got %s", c.ReportInterval))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// total returns the number of values the run pushes.
func (c Config) total() int {
	return c.Producers * c.PerProducer
}
