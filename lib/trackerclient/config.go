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

// Package trackerclient implements the HTTP announce contract this client
// speaks with a tracker: GET <tracker_url>/announce with info_hash, peer_id,
// ip, port, left, event, compact, numwant, decoding a bencoded response.
package trackerclient

import "time"

// Config defines Client construction parameters.
type Config struct {
	// Timeout bounds a single announce HTTP round trip.
	Timeout time.Duration `yaml:"timeout"`

	// NumWant is the default numwant sent with every announce unless
	// overridden per-request.
	NumWant int `yaml:"num_want"`

	// MinRegularAnnounceInterval lower-bounds the rate at which regular
	// (periodic, non-lifecycle) announces are allowed to hit a single
	// tracker host; started/completed/stopped announces are never
	// throttled.
	MinRegularAnnounceInterval time.Duration `yaml:"min_regular_announce_interval"`
}

func (c Config) applyDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.NumWant == 0 {
		c.NumWant = 50
	}
	if c.MinRegularAnnounceInterval == 0 {
		c.MinRegularAnnounceInterval = 5 * time.Second
	}
	return c
}
