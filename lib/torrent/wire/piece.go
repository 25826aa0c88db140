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
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// pieceHeaderLen is the fixed prefix of every piece message payload:
// a 4-byte big-endian piece index followed by a 1-byte last-chunk flag.
const pieceHeaderLen = 4 + 1

// ErrUnexpectedChunk is returned by a PieceAssembler when it receives a
// chunk for a piece index other than the one it is currently assembling.
var ErrUnexpectedChunk = errors.New("wire: unexpected chunk index")

func encodePieceChunk(pieceIndex int, last bool, block []byte) Message {
	payload := make([]byte, pieceHeaderLen+len(block))
	binary.BigEndian.PutUint32(payload[:4], uint32(pieceIndex))
	if last {
		payload[4] = 1
	}
	copy(payload[pieceHeaderLen:], block)
	return Message{ID: MsgPiece, Payload: payload}
}

// DecodePieceChunk splits a piece message's payload into its piece index,
// last-chunk flag, and raw block bytes.
func DecodePieceChunk(payload []byte) (pieceIndex int, last bool, block []byte, err error) {
	if len(payload) < pieceHeaderLen {
		return 0, false, nil, fmt.Errorf("%w: piece payload too short", ErrFramingError)
	}
	pieceIndex = int(binary.BigEndian.Uint32(payload[:4]))
	last = payload[4] != 0
	block = payload[pieceHeaderLen:]
	return pieceIndex, last, block, nil
}

// SendPiece writes data to nc as a sequence of chunked piece messages, each
// at most chunkSize bytes, pacing consecutive writes by pacingDelay to
// smooth egress bursts. The last data-bearing chunk carries the last-chunk
// flag, also when data's length is an exact multiple of chunkSize (no empty
// trailing chunk is sent). Empty data is sent as one empty, flagged chunk.
func SendPiece(nc net.Conn, timeout time.Duration, pieceIndex int, data []byte, chunkSize int, pacingDelay time.Duration) error {
	if chunkSize <= 0 {
		chunkSize = len(data)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	if len(data) == 0 {
		return WriteMessage(nc, timeout, encodePieceChunk(pieceIndex, true, nil))
	}
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		last := end == len(data)
		if err := WriteMessage(nc, timeout, encodePieceChunk(pieceIndex, last, data[offset:end])); err != nil {
			return fmt.Errorf("wire: send piece chunk: %w", err)
		}
		if !last && pacingDelay > 0 {
			time.Sleep(pacingDelay)
		}
	}
	return nil
}

// PieceAssembler accumulates chunked piece messages for a single piece
// index until the last chunk arrives.
type PieceAssembler struct {
	index   int
	started bool
	buf     []byte
	done    bool
}

// NewPieceAssembler returns an assembler bound to no particular piece yet;
// the index of the first chunk it receives fixes its target.
func NewPieceAssembler() *PieceAssembler {
	return &PieceAssembler{index: -1}
}

// AddChunk feeds one piece message's payload into the assembler. It
// returns the assembled piece data and true once the last chunk has been
// received, or reports ErrUnexpectedChunk if the chunk's index does not
// match the piece already in progress.
func (a *PieceAssembler) AddChunk(payload []byte) ([]byte, bool, error) {
	index, last, block, err := DecodePieceChunk(payload)
	if err != nil {
		return nil, false, err
	}
	if !a.started {
		a.started = true
		a.index = index
	} else if index != a.index {
		return nil, false, fmt.Errorf("%w: got %d, assembling %d", ErrUnexpectedChunk, index, a.index)
	}
	a.buf = append(a.buf, block...)
	if last {
		a.done = true
		return a.buf, true, nil
	}
	return nil, false, nil
}

// Index returns the piece index the assembler is currently accumulating,
// or -1 if it has not yet received a chunk.
func (a *PieceAssembler) Index() int {
	return a.index
}

// SendPiece splits data into config.ChunkSize blocks and enqueues them on c's
// sender, pacing consecutive chunks by config.ChunkPacingDelay. Unlike the
// package-level SendPiece, it goes through the Conn's write loop so egress
// bandwidth reservation and per-connection ordering are respected.
func (c *Conn) SendPiece(pieceIndex int, data []byte) error {
	chunkSize := c.config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(data)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	if len(data) == 0 {
		return c.Send(encodePieceChunk(pieceIndex, true, nil))
	}
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		last := end == len(data)
		if err := c.Send(encodePieceChunk(pieceIndex, last, data[offset:end])); err != nil {
			return fmt.Errorf("wire: send piece chunk: %w", err)
		}
		if !last && c.config.ChunkPacingDelay > 0 {
			time.Sleep(c.config.ChunkPacingDelay)
		}
	}
	return nil
}

// Reset clears the assembler so it can be reused for another piece.
func (a *PieceAssembler) Reset() {
	a.index = -1
	a.started = false
	a.buf = nil
	a.done = false
}
