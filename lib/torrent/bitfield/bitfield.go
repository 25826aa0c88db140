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

// Package bitfield implements the fixed-length, MSB-first packed bit
// vector used to advertise which pieces of a torrent a peer holds.
package bitfield

import (
	"fmt"
	"sync"

	"github.com/willf/bitset"
)

// Bitfield is a mutex-guarded, fixed-length bit vector of n bits.
type Bitfield struct {
	mu  sync.RWMutex
	bs  *bitset.BitSet
	len uint
}

// New creates an empty Bitfield of n bits.
func New(n int) *Bitfield {
	return &Bitfield{bs: bitset.New(uint(n)), len: uint(n)}
}

// Len returns the number of bits (the piece count).
func (b *Bitfield) Len() int {
	return int(b.len)
}

// Set marks bit i as present.
func (b *Bitfield) Set(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bs.Set(uint(i))
}

// Has reports whether bit i is set.
func (b *Bitfield) Has(i int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bs.Test(uint(i))
}

// Count returns the number of set bits.
func (b *Bitfield) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(b.bs.Count())
}

// Complete reports whether every bit is set.
func (b *Bitfield) Complete() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bs.Count() == b.len
}

// Copy returns an independent copy of b.
func (b *Bitfield) Copy() *Bitfield {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &Bitfield{bs: b.bs.Clone(), len: b.len}
}

// Pack encodes b into a packed, MSB-first byte slice: bit i corresponds to
// bit (7 - i%8) of byte i/8; trailing bits in the final byte are zero.
func (b *Bitfield) Pack() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, (b.len+7)/8)
	for i := uint(0); i < b.len; i++ {
		if b.bs.Test(i) {
			out[i/8] |= 1 << (7 - i%8)
		}
	}
	return out
}

// Unpack decodes a packed MSB-first byte slice into a new Bitfield of n
// bits. It rejects a packed slice of the wrong length or with any of the
// trailing padding bits set.
func Unpack(packed []byte, n int) (*Bitfield, error) {
	want := (n + 7) / 8
	if len(packed) != want {
		return nil, fmt.Errorf("bitfield: expected %d packed bytes for %d bits, got %d", want, n, len(packed))
	}
	b := New(n)
	for i := 0; i < n; i++ {
		if packed[i/8]&(1<<(7-uint(i)%8)) != 0 {
			b.bs.Set(uint(i))
		}
	}
	if n%8 != 0 {
		last := packed[len(packed)-1]
		padMask := byte(1<<(8-uint(n%8))) - 1
		if last&padMask != 0 {
			return nil, fmt.Errorf("bitfield: trailing padding bits must be zero")
		}
	}
	return b, nil
}

// NextSet returns the index of the first set bit at or after i, mirroring
// willf/bitset's iteration idiom:
//
//	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) { ... }
func (b *Bitfield) NextSet(i int) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.bs.NextSet(uint(i))
	return int(idx), ok
}

// Intersection returns the set of indices present in both a and b.
func Intersection(a, b *Bitfield) []int {
	a.mu.RLock()
	b.mu.RLock()
	defer a.mu.RUnlock()
	defer b.mu.RUnlock()
	var out []int
	n := a.len
	if b.len < n {
		n = b.len
	}
	for i := uint(0); i < n; i++ {
		if a.bs.Test(i) && b.bs.Test(i) {
			out = append(out, int(i))
		}
	}
	return out
}
