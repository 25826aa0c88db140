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

// Package torrentdir indexes a directory of .torrent files by infohash, the
// opaque on-disk collaborator the core consumes metainfo from.
package torrentdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agrell/swarmd/core"
	"github.com/agrell/swarmd/lib/torrent/metainfo"
	"github.com/agrell/swarmd/utils/log"
)

// ErrNotFound is returned by Get when no .torrent file indexes the given
// infohash.
var ErrNotFound = errors.New("torrentdir: metainfo not found")

// Config defines Scanner construction parameters.
type Config struct {
	// Dir is the directory scanned for .torrent files.
	Dir string `yaml:"dir"`

	// PollInterval is how often the directory is re-scanned for
	// additions and removals. Zero selects the 10s default; a negative
	// value disables background polling, and Scan may still be called
	// directly.
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (c Config) applyDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	return c
}

// Scanner indexes the .torrent files under a directory by infohash,
// periodically re-scanning for additions and removals.
type Scanner struct {
	config Config

	mu    sync.RWMutex
	index map[core.InfoHash]*metainfo.Metainfo

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Scanner and performs an initial synchronous scan of
// config.Dir.
func New(config Config) (*Scanner, error) {
	config = config.applyDefaults()
	s := &Scanner{
		config: config,
		index:  make(map[core.InfoHash]*metainfo.Metainfo),
		done:   make(chan struct{}),
	}
	if err := s.Scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the background polling loop. Calling Start on a Scanner
// whose PollInterval is negative is a no-op beyond the initial scan already
// performed by New.
func (s *Scanner) Start() {
	if s.config.PollInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go s.pollLoop()
}

// Stop halts the background polling loop and waits for it to exit.
func (s *Scanner) Stop() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.wg.Wait()
}

func (s *Scanner) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Scan(); err != nil {
				log.Errorf("torrentdir: scan %s: %s", s.config.Dir, err)
			}
		case <-s.done:
			return
		}
	}
}

// Scan re-reads every *.torrent file under config.Dir, replacing the index
// atomically. A single unparseable file is logged and skipped rather than
// failing the whole scan.
func (s *Scanner) Scan() error {
	matches, err := filepath.Glob(filepath.Join(s.config.Dir, "*.torrent"))
	if err != nil {
		return fmt.Errorf("torrentdir: glob: %w", err)
	}

	index := make(map[core.InfoHash]*metainfo.Metainfo, len(matches))
	for _, path := range matches {
		mi, err := parseFile(path)
		if err != nil {
			log.Errorf("torrentdir: skipping %s: %s", path, err)
			continue
		}
		index[mi.InfoHash] = mi
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

func parseFile(path string) (*metainfo.Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return metainfo.Parse(f)
}

// Get returns the Metainfo indexed under h, or ErrNotFound.
func (s *Scanner) Get(h core.InfoHash) (*metainfo.Metainfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mi, ok := s.index[h]
	if !ok {
		return nil, ErrNotFound
	}
	return mi, nil
}

// List returns every indexed Metainfo.
func (s *Scanner) List() []*metainfo.Metainfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*metainfo.Metainfo, 0, len(s.index))
	for _, mi := range s.index {
		out = append(out, mi)
	}
	return out
}
