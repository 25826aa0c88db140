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

// Package piecerequest selects which piece indices a download coordinator
// should request next.
package piecerequest

import (
	"fmt"

	"github.com/agrell/swarmd/lib/torrent/bitfield"
	"github.com/agrell/swarmd/utils/heap"
	"github.com/agrell/swarmd/utils/syncutil"
)

// RarestFirstPolicy is the name of the selection policy implemented in this
// package: pieces held by fewer connected peers are requested first.
const RarestFirstPolicy = "rarest_first"

// SelectPieces returns up to limit piece indices from candidates, ordered by
// ascending value of numPeersByPiece (rarest first). Ties break by ascending
// index because each piece's queue priority folds its index in below its
// peer count. valid filters out indices that should not be
// (re-)requested, e.g. pieces already stored or already assigned.
func SelectPieces(
	limit int,
	valid func(pieceIdx int) bool,
	candidates *bitfield.Bitfield,
	numPeersByPiece *syncutil.Counters) ([]int, error) {

	queue := heap.NewPriorityQueue()
	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		queue.Push(&heap.Item{
			Value:    i,
			Priority: numPeersByPiece.Get(i)*candidates.Len() + i,
		})
	}

	pieces := make([]int, 0, limit)
	for len(pieces) < limit && queue.Len() > 0 {
		item, err := queue.Pop()
		if err != nil {
			return nil, err
		}
		candidate, ok := item.Value.(int)
		if !ok {
			return nil, fmt.Errorf("piecerequest: expected int, got %T", item.Value)
		}
		if valid(candidate) {
			pieces = append(pieces, candidate)
		}
	}
	return pieces, nil
}
