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
package piecerequest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agrell/swarmd/lib/torrent/bitfield"
	"github.com/agrell/swarmd/utils/syncutil"
)

func alwaysValid(int) bool { return true }

func TestSelectPiecesOrdersByAscendingPeerCount(t *testing.T) {
	require := require.New(t)

	candidates := bitfield.New(5)
	for i := 0; i < 5; i++ {
		candidates.Set(i)
	}

	counts := syncutil.NewCounters(5)
	counts.Set(0, 4)
	counts.Set(1, 1)
	counts.Set(2, 2)
	counts.Set(3, 0)
	counts.Set(4, 3)

	pieces, err := SelectPieces(5, alwaysValid, candidates, counts)
	require.NoError(err)
	require.Equal([]int{3, 1, 2, 4, 0}, pieces)
}

func TestSelectPiecesBreaksTiesWithinEqualCountGroup(t *testing.T) {
	require := require.New(t)

	candidates := bitfield.New(4)
	for i := 0; i < 4; i++ {
		candidates.Set(i)
	}
	// Indices 1 and 3 are tied at count 1; whichever order the heap
	// yields them in, both must precede index 0 (count 2) and follow
	// index 2 (count 0).
	counts := syncutil.NewCounters(4)
	counts.Set(0, 2)
	counts.Set(1, 1)
	counts.Set(2, 0)
	counts.Set(3, 1)

	pieces, err := SelectPieces(4, alwaysValid, candidates, counts)
	require.NoError(err)
	require.Equal(2, pieces[0])
	require.ElementsMatch([]int{1, 3}, pieces[1:3])
	require.Equal(0, pieces[3])
}

func TestSelectPiecesRespectsLimit(t *testing.T) {
	require := require.New(t)

	candidates := bitfield.New(4)
	for i := 0; i < 4; i++ {
		candidates.Set(i)
	}
	counts := syncutil.NewCounters(4)

	pieces, err := SelectPieces(2, alwaysValid, candidates, counts)
	require.NoError(err)
	require.Len(pieces, 2)
}

func TestSelectPiecesSkipsInvalidCandidates(t *testing.T) {
	require := require.New(t)

	candidates := bitfield.New(3)
	candidates.Set(0)
	candidates.Set(1)
	candidates.Set(2)
	counts := syncutil.NewCounters(3)

	pieces, err := SelectPieces(3, func(i int) bool { return i != 1 }, candidates, counts)
	require.NoError(err)
	require.Equal([]int{0, 2}, pieces)
}

func TestSelectPiecesIgnoresUnsetCandidates(t *testing.T) {
	require := require.New(t)

	candidates := bitfield.New(4)
	candidates.Set(1)
	candidates.Set(3)
	counts := syncutil.NewCounters(4)

	pieces, err := SelectPieces(10, alwaysValid, candidates, counts)
	require.NoError(err)
	require.Equal([]int{1, 3}, pieces)
}
