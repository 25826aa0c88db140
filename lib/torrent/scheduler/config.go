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
	"time"

	"github.com/agrell/swarmd/lib/torrent/wire"
	"github.com/agrell/swarmd/utils/backoff"
)

// Config defines Coordinator construction and retry-budget parameters.
type Config struct {
	// ConnectRetryRounds bounds how many times the connect phase retries
	// dialing peers that have not yet been successfully connected.
	ConnectRetryRounds int `yaml:"connect_retry_rounds"`

	// MaxDownloadRetry bounds both how many times a single piece is
	// re-requested within one peer's download task, and how many
	// top-level selection/assignment rounds the retry phase runs against
	// the shared failed-piece queue.
	MaxDownloadRetry int `yaml:"max_download_retry"`

	// BitfieldTimeout bounds how long the bitfield phase waits for a
	// connected session to report unchoke+bitfield before giving up on
	// it.
	BitfieldTimeout time.Duration `yaml:"bitfield_timeout"`

	// RequestTimeout bounds how long a download task waits for a piece
	// reply after issuing a request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ConnectBackoff paces successive connect-phase retry rounds.
	ConnectBackoff backoff.Config `yaml:"connect_backoff"`

	Conn wire.Config `yaml:"conn"`
}

func (c Config) applyDefaults() Config {
	if c.ConnectRetryRounds == 0 {
		c.ConnectRetryRounds = 5
	}
	if c.MaxDownloadRetry == 0 {
		c.MaxDownloadRetry = 3
	}
	if c.BitfieldTimeout == 0 {
		c.BitfieldTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.ConnectBackoff.Min == 0 {
		c.ConnectBackoff.Min = 250 * time.Millisecond
	}
	if c.ConnectBackoff.Max == 0 {
		c.ConnectBackoff.Max = 2 * time.Second
	}
	if c.ConnectBackoff.Factor == 0 {
		c.ConnectBackoff.Factor = 2
	}
	if c.ConnectBackoff.RetryTimeout == 0 {
		c.ConnectBackoff.RetryTimeout = 30 * time.Second
	}
	return c
}
