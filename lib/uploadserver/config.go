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

// Package uploadserver implements the Upload Server: a single long-lived TCP
// listener that serves piece data for every torrent registered as an Active
// Upload, regardless of which peer asks.
package uploadserver

import (
	"time"

	"github.com/agrell/swarmd/lib/torrent/wire"
)

// Config controls the Upload Server's listener and per-connection behavior.
type Config struct {
	// Port is the TCP port the server listens on.
	Port int `yaml:"port"`

	// InterestedTimeout bounds how long a newly accepted session waits for
	// the peer's interested message before the connection is dropped.
	InterestedTimeout time.Duration `yaml:"interested_timeout"`

	Conn wire.Config `yaml:"conn"`
}

func (c Config) applyDefaults() Config {
	if c.Port == 0 {
		c.Port = 16900
	}
	if c.InterestedTimeout == 0 {
		c.InterestedTimeout = 10 * time.Second
	}
	return c
}
