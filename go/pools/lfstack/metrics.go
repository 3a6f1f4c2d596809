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

package lfstack

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/multigres/lfstack/go/pools/lfstack"

// StatsSource is anything that can report stack statistics.
type StatsSource interface {
	Stats() Stats
}

// RegisterMetrics exports the statistics of src as OpenTelemetry observable
// instruments on meter, tagged with stack.name=name. If meter is nil the
// global meter provider is used.
//
// Instruments that fail to initialize are skipped and included in the
// returned error; the registration still covers the rest. Call Unregister
// on the returned registration to stop reporting.
func RegisterMetrics(meter metric.Meter, name string, src StatsSource) (metric.Registration, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	var errs []error
	var instruments []metric.Observable

	counter := func(inst, desc string) metric.Int64ObservableCounter {
		c, err := meter.Int64ObservableCounter(inst, metric.WithDescription(desc), metric.WithUnit("{operation}"))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s counter: %w", inst, err))
			return nil
		}
		instruments = append(instruments, c)
		return c
	}
	gauge := func(inst, desc string) metric.Int64ObservableGauge {
		g, err := meter.Int64ObservableGauge(inst, metric.WithDescription(desc), metric.WithUnit("{node}"))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s gauge: %w", inst, err))
			return nil
		}
		instruments = append(instruments, g)
		return g
	}

	pushes := counter("lfstack.pushes", "Values pushed onto the stack")
	pops := counter("lfstack.pops", "Pops that returned a value")
	emptyPops := counter("lfstack.empty_pops", "Pops that observed an empty stack")
	recycled := counter("lfstack.recycled", "Nodes returned to the node cache")
	rechains := counter("lfstack.rechains", "Claimed deferred lists given back to the stack")
	poisonHits := counter("lfstack.poison_hits", "Dereferences of recycled nodes")
	live := gauge("lfstack.live_nodes", "Nodes allocated and not yet recycled")
	deferred := gauge("lfstack.deferred_nodes", "Nodes waiting to be recycled")

	attrs := metric.WithAttributes(attribute.String("stack.name", name))
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := src.Stats()
		observe := func(inst metric.Int64Observable, v int64) {
			if inst != nil {
				o.ObserveInt64(inst, v, attrs)
			}
		}
		observe(pushes, st.Pushes)
		observe(pops, st.Pops)
		observe(emptyPops, st.EmptyPops)
		observe(recycled, st.Recycled)
		observe(rechains, st.Rechains)
		observe(poisonHits, st.PoisonHits)
		observe(live, st.Live)
		observe(deferred, st.Deferred)
		return nil
	}, instruments...)
	if err != nil {
		errs = append(errs, fmt.Errorf("register callback: %w", err))
	}

	return reg, errors.Join(errs...)
}
