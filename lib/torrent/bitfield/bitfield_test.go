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
package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	require := require.New(t)

	b := New(17)
	for _, i := range []int{0, 1, 8, 16} {
		b.Set(i)
	}

	packed := b.Pack()
	require.Len(packed, 3)
	// Trailing 7 bits of the last byte (bits 17..23) must be zero.
	require.Equal(byte(0), packed[2]&0x7F)

	unpacked, err := Unpack(packed, 17)
	require.NoError(err)
	for i := 0; i < 17; i++ {
		require.Equal(b.Has(i), unpacked.Has(i), "bit %d", i)
	}
}

func TestPackBitOrderIsMSBFirst(t *testing.T) {
	require := require.New(t)

	b := New(8)
	b.Set(0)
	packed := b.Pack()
	require.Equal(byte(0x80), packed[0])
}

func TestUnpackRejectsSetPaddingBits(t *testing.T) {
	require := require.New(t)
	_, err := Unpack([]byte{0xFF, 0xFF, 0xFF}, 17)
	require.Error(err)
}

func TestUnpackRejectsWrongLength(t *testing.T) {
	require := require.New(t)
	_, err := Unpack([]byte{0x00, 0x00}, 17)
	require.Error(err)
}

func TestComplete(t *testing.T) {
	require := require.New(t)
	b := New(3)
	require.False(b.Complete())
	b.Set(0)
	b.Set(1)
	b.Set(2)
	require.True(b.Complete())
}
