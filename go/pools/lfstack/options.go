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

type options struct {
	poisonCheck bool
}

// Option configures a Stack created with New.
type Option func(*options)

// WithPoisonCheck makes the stack mark nodes as poisoned while they sit in
// the node cache, and count every popper dereference of a poisoned node in
// Stats.PoisonHits. A correct stack never records a hit; this exists for
// stress tests and costs one extra atomic load per dereference.
func WithPoisonCheck() Option {
	return func(o *options) {
		o.poisonCheck = true
	}
}
