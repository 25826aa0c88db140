// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package syncutil provides small concurrency-safe primitives.
package syncutil

import "sync"

// Counters is a fixed-size array of mutex-guarded integer counters, used to
// track per-piece peer counts during rarest-first selection.
type Counters struct {
	sync.Mutex
	counts []int
}

// NewCounters creates n counters, all initialized to zero.
func NewCounters(n int) *Counters {
	return &Counters{counts: make([]int, n)}
}

// Len returns the number of counters.
func (c *Counters) Len() int {
	return len(c.counts)
}

// Get returns the value of counter i.
func (c *Counters) Get(i int) int {
	c.Lock()
	defer c.Unlock()
	return c.counts[i]
}

// Set sets counter i to v.
func (c *Counters) Set(i int, v int) {
	c.Lock()
	defer c.Unlock()
	c.counts[i] = v
}

// Increment adds 1 to counter i.
func (c *Counters) Increment(i int) {
	c.Lock()
	defer c.Unlock()
	c.counts[i]++
}

// Decrement subtracts 1 from counter i.
func (c *Counters) Decrement(i int) {
	c.Lock()
	defer c.Unlock()
	c.counts[i]--
}
