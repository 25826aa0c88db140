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

// Package wire implements the peer wire protocol: the fixed handshake,
// length-prefixed message framing, and chunked whole-piece transfer.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/agrell/swarmd/core"
)

// ProtocolString is the fixed protocol identifier sent in every handshake.
const ProtocolString = "BitTorrent protocol"

// HandshakeLen is the fixed size, in bytes, of a handshake message.
const HandshakeLen = 1 + len(ProtocolString) + 8 + 20 + 20

// ErrHandshakeMismatch is returned when a peer's handshake does not match
// the expected protocol string or infohash, or (for outgoing connections
// with a tracker-provided expected peer id) the expected peer id.
var ErrHandshakeMismatch = errors.New("wire: handshake mismatch")

// Handshake is the fixed 68-byte greeting exchanged at the start of every
// peer connection.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// Marshal encodes h into its fixed 68-byte wire form.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(ProtocolString)))
	buf = append(buf, []byte(ProtocolString)...)
	buf = append(buf, make([]byte, 8)...) // reserved
	buf = append(buf, h.InfoHash.Bytes()...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// WriteHandshake writes h to nc, respecting the given deadline.
func WriteHandshake(nc net.Conn, timeout time.Duration, h Handshake) error {
	if timeout > 0 {
		if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := nc.Write(h.Marshal())
	return err
}

// ReadHandshake reads and parses a 68-byte handshake from nc, respecting
// the given deadline. It rejects a mismatched pstrlen or protocol string
// but does not itself check infohash/peer id — call Validate for that.
func ReadHandshake(nc net.Conn, timeout time.Duration) (Handshake, error) {
	if timeout > 0 {
		if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Handshake{}, err
		}
	}
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(nc, buf); err != nil {
		return Handshake{}, fmt.Errorf("wire: read handshake: %w", err)
	}
	return parseHandshake(buf)
}

func parseHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLen {
		return Handshake{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrHandshakeMismatch, HandshakeLen, len(buf))
	}
	pstrlen := int(buf[0])
	if pstrlen != len(ProtocolString) {
		return Handshake{}, fmt.Errorf("%w: unexpected pstrlen %d", ErrHandshakeMismatch, pstrlen)
	}
	if !bytes.Equal(buf[1:1+pstrlen], []byte(ProtocolString)) {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol string %q", ErrHandshakeMismatch, buf[1:1+pstrlen])
	}
	off := 1 + pstrlen + 8
	var ih core.InfoHash
	copy(ih[:], buf[off:off+20])
	var pid core.PeerID
	copy(pid[:], buf[off+20:off+40])
	return Handshake{InfoHash: ih, PeerID: pid}, nil
}

// Validate reports whether h was sent by the peer we expected: its
// infohash must match expectedInfoHash, and if expectedPeerID is non-nil
// and non-zero, h.PeerID must match it exactly.
func Validate(h Handshake, expectedInfoHash core.InfoHash, expectedPeerID *core.PeerID) error {
	if h.InfoHash != expectedInfoHash {
		return fmt.Errorf("%w: infohash %s != expected %s", ErrHandshakeMismatch, h.InfoHash, expectedInfoHash)
	}
	var zero core.PeerID
	if expectedPeerID != nil && *expectedPeerID != zero && h.PeerID != *expectedPeerID {
		return fmt.Errorf("%w: peer id %s != expected %s", ErrHandshakeMismatch, h.PeerID, expectedPeerID)
	}
	return nil
}
