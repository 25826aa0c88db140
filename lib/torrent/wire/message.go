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
	"io"
	"net"
	"time"
)

// Message ids, per the length-prefixed framing: length(u32 BE) followed by
// length bytes, first of which (if any) is the id.
const (
	MsgChoke         byte = 0
	MsgUnchoke       byte = 1
	MsgInterested    byte = 2
	MsgNotInterested byte = 3
	MsgHave          byte = 4
	MsgBitfield      byte = 5
	MsgRequest       byte = 6
	MsgPiece         byte = 7
)

// ErrFramingError is returned for a malformed or oversized frame: a length
// exceeding the configured cap, or a truncated payload.
var ErrFramingError = errors.New("wire: framing error")

// Message is one decoded wire-protocol frame. A zero-length frame
// (KeepAlive true) carries no id or payload.
type Message struct {
	KeepAlive bool
	ID        byte
	Payload   []byte
}

// WriteMessage writes msg to nc as a length-prefixed frame, respecting the
// given deadline.
func WriteMessage(nc net.Conn, timeout time.Duration, msg Message) error {
	if timeout > 0 {
		if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	if msg.KeepAlive {
		var lenBuf [4]byte
		_, err := nc.Write(lenBuf[:])
		return err
	}
	body := make([]byte, 1+len(msg.Payload))
	body[0] = msg.ID
	copy(body[1:], msg.Payload)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := nc.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := nc.Write(body)
	return err
}

// ReadMessage reads one length-prefixed frame from nc, respecting the
// given deadline and rejecting any frame whose declared length exceeds
// maxMessageSize.
func ReadMessage(nc net.Conn, timeout time.Duration, maxMessageSize uint32) (Message, error) {
	if timeout > 0 {
		if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Message{}, err
		}
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(nc, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("wire: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{KeepAlive: true}, nil
	}
	if length > maxMessageSize {
		return Message{}, fmt.Errorf("%w: length %d exceeds cap %d", ErrFramingError, length, maxMessageSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(nc, body); err != nil {
		return Message{}, fmt.Errorf("wire: read message body: %w", err)
	}
	return Message{ID: body[0], Payload: body[1:]}, nil
}

// EncodeU32 encodes an index as a request/have payload.
func EncodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// DecodeU32 decodes a request/have payload.
func DecodeU32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: expected 4-byte payload, got %d", ErrFramingError, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// NewRequestMessage builds a whole-piece request message (this
// implementation's simplified variant omits block offset/length).
func NewRequestMessage(pieceIndex int) Message {
	return Message{ID: MsgRequest, Payload: EncodeU32(uint32(pieceIndex))}
}

// NewHaveMessage builds a have message.
func NewHaveMessage(pieceIndex int) Message {
	return Message{ID: MsgHave, Payload: EncodeU32(uint32(pieceIndex))}
}

// NewBitfieldMessage builds a bitfield message from an already-packed
// bitfield.
func NewBitfieldMessage(packed []byte) Message {
	return Message{ID: MsgBitfield, Payload: packed}
}
