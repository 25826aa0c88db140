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

// Package bandwidth implements a token-bucket bandwidth limiter used to
// bound per-session egress/ingress throughput.
package bandwidth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agrell/swarmd/utils/memsize"
)

// Config defines Limiter construction parameters.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket. It is
	// used to avoid integer overflow errors that would occur if we mapped
	// each bit to a token.
	TokenSize uint64 `yaml:"token_size"`

	Enable bool `yaml:"enable"`
}

// Limiter bounds egress and ingress throughput via independent token-bucket
// rate limiters, one token per TokenSize bits. When disabled, all
// reservations are no-ops.
type Limiter struct {
	config Config

	mu           sync.Mutex
	egressLimit  int64
	ingressLimit int64

	egress  *rate.Limiter
	ingress *rate.Limiter
}

// NewLimiter constructs a Limiter from config. If config.Enable is false,
// the returned Limiter performs no throttling.
func NewLimiter(config Config) (*Limiter, error) {
	if !config.Enable {
		return &Limiter{config: config}, nil
	}
	if config.EgressBitsPerSec == 0 {
		return nil, errors.New("egress_bits_per_sec must be non-zero when enabled")
	}
	if config.IngressBitsPerSec == 0 {
		return nil, errors.New("ingress_bits_per_sec must be non-zero when enabled")
	}
	if config.TokenSize == 0 {
		config.TokenSize = memsize.Mbit
	}
	etps := config.EgressBitsPerSec / config.TokenSize
	itps := config.IngressBitsPerSec / config.TokenSize
	return &Limiter{
		config:       config,
		egressLimit:  int64(config.EgressBitsPerSec),
		ingressLimit: int64(config.IngressBitsPerSec),
		egress:       rate.NewLimiter(rate.Limit(etps), int(etps)),
		ingress:      rate.NewLimiter(rate.Limit(itps), int(itps)),
	}, nil
}

func (l *Limiter) reserve(rl *rate.Limiter, nbytes int64) error {
	if rl == nil {
		return nil
	}
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := rl.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf(
			"cannot reserve %s of bandwidth, max is %s",
			memsize.Format(uint64(nbytes)),
			memsize.BitFormat(l.config.TokenSize*uint64(rl.Burst())))
	}
	time.Sleep(r.Delay())
	return nil
}

// ReserveEgress blocks until nbytes worth of egress bandwidth is available.
// Returns an error if nbytes exceeds the egress bucket's capacity.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until nbytes worth of ingress bandwidth is available.
// Returns an error if nbytes exceeds the ingress bucket's capacity.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes)
}

// Adjust rescales both limits to the original configured rate divided by
// denom (minimum 1 bit/sec), used to fairly share bandwidth across a
// variable number of concurrent sessions.
func (l *Limiter) Adjust(denom int) error {
	if denom == 0 {
		return errors.New("denom must be non-zero")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e := int64(l.config.EgressBitsPerSec) / int64(denom)
	if e < 1 {
		e = 1
	}
	i := int64(l.config.IngressBitsPerSec) / int64(denom)
	if i < 1 {
		i = 1
	}
	l.egressLimit = e
	l.ingressLimit = i
	l.setRate(l.egress, uint64(e))
	l.setRate(l.ingress, uint64(i))
	return nil
}

func (l *Limiter) setRate(rl *rate.Limiter, bitsPerSec uint64) {
	if rl == nil {
		return
	}
	tps := bitsPerSec / l.config.TokenSize
	if tps == 0 {
		tps = 1
	}
	rl.SetLimit(rate.Limit(tps))
	rl.SetBurst(int(tps))
}

// EgressLimit returns the current egress limit in bits per second.
func (l *Limiter) EgressLimit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.egressLimit
}

// IngressLimit returns the current ingress limit in bits per second.
func (l *Limiter) IngressLimit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ingressLimit
}
