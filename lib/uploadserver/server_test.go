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
package uploadserver

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/agrell/swarmd/core"
	"github.com/agrell/swarmd/lib/torrent/bitfield"
	"github.com/agrell/swarmd/lib/torrent/metainfo"
	"github.com/agrell/swarmd/lib/torrent/scheduler/conn"
	"github.com/agrell/swarmd/lib/torrent/wire"
	"github.com/agrell/swarmd/utils/bandwidth"
)

type noopEvents struct{}

func (noopEvents) ConnClosed(*wire.Conn) {}

func findFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func newTestHandshaker(t *testing.T, peerID core.PeerID) *conn.Handshaker {
	t.Helper()
	h, err := conn.NewHandshaker(wire.Config{}, bandwidth.Config{}, peerID, noopEvents{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return h
}

func writeSourceFixture(t *testing.T, content []byte) (*metainfo.Metainfo, string) {
	t.Helper()

	sourceDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "movie.bin"), content, 0644))

	info, err := metainfo.NewSingleFileInfo("movie.bin", 16<<10, int64(len(content)), bytes.NewReader(content))
	require.NoError(t, err)

	mi, err := metainfo.New("http://tracker.example/announce", nil, *info)
	require.NoError(t, err)

	return mi, sourceDir
}

func TestServeSessionSendsRequestedPieces(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("q"), 40<<10)
	mi, sourceDir := writeSourceFixture(t, content)

	registry := NewRegistry()
	registry.Add(mi, sourceDir)

	serverPeerID := core.PeerIDFixture()
	hs := newTestHandshaker(t, serverPeerID)

	port := findFreePort(t)
	srv := New(Config{Port: port}, hs, registry, tally.NoopScope, zap.NewNop().Sugar())
	go srv.ListenAndServe()
	defer srv.Stop()

	require.Eventually(func() bool {
		_, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	clientHS := newTestHandshaker(t, core.PeerIDFixture())
	c, err := clientHS.Initialize(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), mi.InfoHash, &serverPeerID)
	require.NoError(err)
	defer c.Close()
	c.Start()

	require.NoError(c.Send(wire.Message{ID: wire.MsgInterested}))

	var bf *bitfield.Bitfield
	for bf == nil {
		msg := <-c.Receiver()
		switch msg.ID {
		case wire.MsgUnchoke:
		case wire.MsgBitfield:
			bf, err = bitfield.Unpack(msg.Payload, mi.Info.PieceCount())
			require.NoError(err)
		}
	}
	require.True(bf.Complete())

	require.NoError(c.Send(wire.NewRequestMessage(0)))

	assembler := wire.NewPieceAssembler()
	var data []byte
	for {
		msg := <-c.Receiver()
		if msg.ID != wire.MsgPiece {
			continue
		}
		var done bool
		data, done, err = assembler.AddChunk(msg.Payload)
		require.NoError(err)
		if done {
			break
		}
	}
	require.Equal(content[:16<<10], data)
}

func TestServeConnRejectsUnknownInfoHash(t *testing.T) {
	require := require.New(t)

	registry := NewRegistry()
	serverPeerID := core.PeerIDFixture()
	hs := newTestHandshaker(t, serverPeerID)

	port := findFreePort(t)
	srv := New(Config{Port: port}, hs, registry, tally.NoopScope, zap.NewNop().Sugar())
	go srv.ListenAndServe()
	defer srv.Stop()

	require.Eventually(func() bool {
		_, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	clientHS := newTestHandshaker(t, core.PeerIDFixture())
	_, err := clientHS.Initialize(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), core.InfoHashFixture(), nil)
	require.Error(err, "server should close the connection before replying for an unregistered infohash")
}
