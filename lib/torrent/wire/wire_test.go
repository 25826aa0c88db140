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
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agrell/swarmd/core"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ih := core.InfoHashFixture()
	pid := core.PeerIDFixture()
	h := Handshake{InfoHash: ih, PeerID: pid}

	errc := make(chan error, 1)
	go func() { errc <- WriteHandshake(client, time.Second, h) }()

	got, err := ReadHandshake(server, time.Second)
	require.NoError(err)
	require.NoError(<-errc)
	require.Equal(h, got)
}

func TestHandshakeRejectsBadProtocolString(t *testing.T) {
	require := require.New(t)

	buf := Handshake{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()}.Marshal()
	buf[0] = 4 // wrong pstrlen

	_, err := parseHandshake(buf)
	require.ErrorIs(err, ErrHandshakeMismatch)
}

func TestValidateChecksInfoHashAndPeerID(t *testing.T) {
	require := require.New(t)

	ih := core.InfoHashFixture()
	pid := core.PeerIDFixture()
	h := Handshake{InfoHash: ih, PeerID: pid}

	require.NoError(Validate(h, ih, nil))
	require.NoError(Validate(h, ih, &pid))

	other := core.PeerIDFixture()
	require.ErrorIs(Validate(h, ih, &other), ErrHandshakeMismatch)

	otherHash := core.InfoHashFixture()
	require.ErrorIs(Validate(h, otherHash, nil), ErrHandshakeMismatch)
}

func TestMessageFramingRoundTrip(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	msg := NewHaveMessage(7)

	errc := make(chan error, 1)
	go func() { errc <- WriteMessage(client, time.Second, msg) }()

	got, err := ReadMessage(server, time.Second, 1<<20)
	require.NoError(err)
	require.NoError(<-errc)
	require.Equal(msg, got)

	index, err := DecodeU32(got.Payload)
	require.NoError(err)
	require.Equal(uint32(7), index)
}

func TestKeepAliveRoundTrip(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errc := make(chan error, 1)
	go func() { errc <- WriteMessage(client, time.Second, Message{KeepAlive: true}) }()

	got, err := ReadMessage(server, time.Second, 1<<20)
	require.NoError(err)
	require.NoError(<-errc)
	require.True(got.KeepAlive)
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	big := Message{ID: MsgPiece, Payload: make([]byte, 100)}

	go WriteMessage(client, time.Second, big)

	_, err := ReadMessage(server, time.Second, 10)
	require.ErrorIs(err, ErrFramingError)
}

func TestChunkedPieceTransferRoundTrip(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	data := bytes.Repeat([]byte("x"), 10*1024+37) // not an exact multiple of chunk size

	errc := make(chan error, 1)
	go func() { errc <- SendPiece(client, time.Second, 3, data, 4<<10, 0) }()

	asm := NewPieceAssembler()
	var assembled []byte
	for {
		msg, err := ReadMessage(server, time.Second, 1<<20)
		require.NoError(err)
		require.Equal(MsgPiece, msg.ID)

		chunk, done, err := asm.AddChunk(msg.Payload)
		require.NoError(err)
		if done {
			assembled = chunk
			break
		}
	}
	require.NoError(<-errc)
	require.Equal(data, assembled)
}

func TestPieceAssemblerRejectsInterleavedIndex(t *testing.T) {
	require := require.New(t)

	asm := NewPieceAssembler()
	_, _, err := asm.AddChunk(append(EncodeU32(1), 0, 'a'))
	require.NoError(err)

	_, _, err = asm.AddChunk(append(EncodeU32(2), 0, 'b'))
	require.ErrorIs(err, ErrUnexpectedChunk)
}

func TestSendPieceEmptyData(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go SendPiece(client, time.Second, 0, nil, 4<<10, 0)

	msg, err := ReadMessage(server, time.Second, 1<<20)
	require.NoError(err)

	index, last, block, err := DecodePieceChunk(msg.Payload)
	require.NoError(err)
	require.Equal(0, index)
	require.True(last)
	require.Empty(block)
}
