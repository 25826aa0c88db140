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
package scheduler

import (
	"errors"
	"sync"

	"github.com/agrell/swarmd/core"
)

// ErrAlreadyActive is returned by Registry.Add when a download for the
// given infohash is already in flight.
var ErrAlreadyActive = errors.New("scheduler: download already active")

// Registry is the process-wide, mutex-guarded table of active downloads,
// keyed by infohash: at most one Coordinator may run per infohash at a
// time.
type Registry struct {
	mu     sync.Mutex
	active map[core.InfoHash]*Coordinator
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[core.InfoHash]*Coordinator)}
}

// Add registers c as the active download for h. It fails with
// ErrAlreadyActive if one is already registered.
func (r *Registry) Add(h core.InfoHash, c *Coordinator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[h]; ok {
		return ErrAlreadyActive
	}
	r.active[h] = c
	return nil
}

// Remove drops h's active-download entry, if any.
func (r *Registry) Remove(h core.InfoHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, h)
}

// Get returns the active Coordinator for h, if any.
func (r *Registry) Get(h core.InfoHash) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.active[h]
	return c, ok
}

// Len returns the number of active downloads.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
