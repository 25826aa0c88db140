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
package uploadserver

import (
	"errors"
	"sync"

	"go.uber.org/atomic"

	"github.com/agrell/swarmd/core"
	"github.com/agrell/swarmd/lib/torrent/metainfo"
	"github.com/agrell/swarmd/lib/torrent/piecestore"
)

// ErrNotActive is returned when a request names an infohash with no
// registered Active Upload.
var ErrNotActive = errors.New("uploadserver: no active upload for infohash")

// activeUpload is one torrent this process is fully seeding: a read-only
// view over its already-complete source files, plus running counters
// reported as metrics.
type activeUpload struct {
	mi            *metainfo.Metainfo
	view          *piecestore.ReadOnlyView
	peersServed   *atomic.Int32
	bytesUploaded *atomic.Int64
}

// Registry is the process-wide, mutex-guarded table of Active Uploads,
// keyed by infohash.
type Registry struct {
	mu      sync.Mutex
	uploads map[core.InfoHash]*activeUpload
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{uploads: make(map[core.InfoHash]*activeUpload)}
}

// Add registers sourceDir as the seeding source for mi, replacing any
// existing entry for the same infohash.
func (r *Registry) Add(mi *metainfo.Metainfo, sourceDir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads[mi.InfoHash] = &activeUpload{
		mi:            mi,
		view:          piecestore.NewReadOnlyView(mi.Info, sourceDir),
		peersServed:   atomic.NewInt32(0),
		bytesUploaded: atomic.NewInt64(0),
	}
}

// Remove drops h's Active Upload entry, if any.
func (r *Registry) Remove(h core.InfoHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.uploads, h)
}

// Len returns the number of Active Uploads.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.uploads)
}

func (r *Registry) get(h core.InfoHash) (*activeUpload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.uploads[h]
	return u, ok
}
