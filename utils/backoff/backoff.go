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

// Package backoff implements exponential retry backoff with a bounded
// overall retry timeout, used by the download coordinator's connect-phase
// retry rounds.
package backoff

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/andres-erbsen/clock"
)

// Config defines backoff parameters.
type Config struct {
	Min          time.Duration `yaml:"min"`
	Max          time.Duration `yaml:"max"`
	Factor       float64       `yaml:"factor"`
	NoJitter     bool          `yaml:"no_jitter"`
	RetryTimeout time.Duration `yaml:"retry_timeout"`
}

// Backoff generates bounded sequences of retry attempts.
type Backoff struct {
	config Config
	clk    clock.Clock
}

// New creates a Backoff from config.
func New(config Config) *Backoff {
	return &Backoff{config: config, clk: clock.New()}
}

// Attempts starts a new bounded attempt sequence.
func (b *Backoff) Attempts() *Attempts {
	return &Attempts{
		config: b.config,
		clk:    b.clk,
		start:  b.clk.Now(),
	}
}

// Attempts tracks progress through a single bounded retry sequence. The
// first call to WaitForNext always succeeds immediately, regardless of
// RetryTimeout; subsequent calls sleep for an exponentially increasing
// duration and fail once the cumulative wait would exceed RetryTimeout.
type Attempts struct {
	config  Config
	clk     clock.Clock
	start   time.Time
	attempt int
	waited  time.Duration
	err     error
	done    bool
}

// WaitForNext blocks until the next attempt may proceed, and reports
// whether the caller should make another attempt.
func (a *Attempts) WaitForNext() bool {
	if a.done {
		return false
	}
	if a.attempt == 0 {
		a.attempt++
		return true
	}

	next := a.nextWait()
	if a.waited+next > a.config.RetryTimeout {
		a.err = errors.New("backoff: retry timeout exceeded")
		a.done = true
		return false
	}
	a.clk.Sleep(next)
	a.waited += next
	a.attempt++
	return true
}

// Err returns the terminal error, if any, once WaitForNext has returned
// false.
func (a *Attempts) Err() error {
	return a.err
}

func (a *Attempts) nextWait() time.Duration {
	w := float64(a.config.Min) * math.Pow(a.config.Factor, float64(a.attempt-1))
	if a.config.Max > 0 && w > float64(a.config.Max) {
		w = float64(a.config.Max)
	}
	if !a.config.NoJitter {
		w = w * (0.5 + rand.Float64()*0.5)
	}
	return time.Duration(w)
}
