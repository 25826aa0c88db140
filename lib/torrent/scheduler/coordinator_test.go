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
package scheduler

import (
	"bytes"
	"context"
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
	"github.com/agrell/swarmd/lib/torrent/piecestore"
	"github.com/agrell/swarmd/lib/torrent/scheduler/conn"
	"github.com/agrell/swarmd/lib/torrent/wire"
	"github.com/agrell/swarmd/utils/bandwidth"
)

type noopEvents struct{}

func (noopEvents) ConnClosed(*wire.Conn) {}

// fakeSeeder answers handshakes for a single infohash by serving piece data
// straight out of an in-memory map, mirroring a fully-seeded upload session
// closely enough to exercise a Coordinator's download pipeline end to end.
type fakeSeeder struct {
	listener net.Listener
	peerID   core.PeerID
	pieces   map[int][]byte
	numPcs   int
}

func newFakeSeeder(t *testing.T, infoHash core.InfoHash, pieces map[int][]byte, numPcs int) *fakeSeeder {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeSeeder{listener: l, peerID: core.PeerIDFixture(), pieces: pieces, numPcs: numPcs}
	hs, err := conn.NewHandshaker(wire.Config{}, bandwidth.Config{}, s.peerID, noopEvents{}, zap.NewNop().Sugar())
	require.NoError(t, err)

	go func() {
		for {
			nc, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				pc, err := hs.Accept(nc)
				if err != nil {
					nc.Close()
					return
				}
				if pc.InfoHash() != infoHash {
					pc.Close()
					return
				}
				c, err := hs.Establish(pc, infoHash)
				if err != nil {
					return
				}
				c.Start()
				defer c.Close()
				s.serve(c)
			}()
		}
	}()
	return s
}

func (s *fakeSeeder) serve(c *wire.Conn) {
	if err := c.Send(wire.Message{ID: wire.MsgUnchoke}); err != nil {
		return
	}
	for msg := range c.Receiver() {
		switch msg.ID {
		case wire.MsgInterested:
			full := bitfield.New(s.numPcs)
			for i := 0; i < s.numPcs; i++ {
				full.Set(i)
			}
			if err := c.Send(wire.NewBitfieldMessage(full.Pack())); err != nil {
				return
			}
		case wire.MsgRequest:
			idx, err := wire.DecodeU32(msg.Payload)
			if err != nil {
				return
			}
			if err := c.SendPiece(int(idx), s.pieces[int(idx)]); err != nil {
				return
			}
		}
	}
}

func (s *fakeSeeder) peerInfo() *core.PeerInfo {
	ip, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return core.NewPeerInfo(s.peerID, ip, port, false, true)
}

func (s *fakeSeeder) close() {
	s.listener.Close()
}

func buildTestTorrent(t *testing.T, content []byte, pieceLength int64) (*metainfo.Metainfo, map[int][]byte) {
	t.Helper()
	info, err := metainfo.NewSingleFileInfo("movie.bin", pieceLength, int64(len(content)), bytes.NewReader(content))
	require.NoError(t, err)
	mi, err := metainfo.New("http://tracker.example/announce", nil, *info)
	require.NoError(t, err)

	pieces := make(map[int][]byte)
	for i := 0; i < mi.Info.PieceCount(); i++ {
		start, end, err := mi.Info.PieceBounds(i)
		require.NoError(t, err)
		pieces[i] = content[start:end]
	}
	return mi, pieces
}

func TestCoordinatorRunDownloadsFromSingleSeeder(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("swarmd"), 20000) // 120000 bytes
	mi, pieces := buildTestTorrent(t, content, 16<<10)

	seeder := newFakeSeeder(t, mi.InfoHash, pieces, mi.Info.PieceCount())
	defer seeder.close()

	localPeerID := core.PeerIDFixture()
	hs, err := conn.NewHandshaker(wire.Config{}, bandwidth.Config{}, localPeerID, noopEvents{}, zap.NewNop().Sugar())
	require.NoError(err)

	store := piecestore.New(mi.Info)
	c := New(Config{}, mi, store, hs, localPeerID, tally.NoopScope, zap.NewNop().Sugar())

	destDir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = c.Run(ctx, []*core.PeerInfo{seeder.peerInfo()}, destDir)
	require.NoError(err)

	got, err := os.ReadFile(filepath.Join(destDir, "movie.bin"))
	require.NoError(err)
	require.Equal(content, got)
}

func TestCoordinatorRunFailsWhenNoPeerReachable(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("x"), 32<<10)
	mi, _ := buildTestTorrent(t, content, 16<<10)

	localPeerID := core.PeerIDFixture()
	hs, err := conn.NewHandshaker(wire.Config{}, bandwidth.Config{}, localPeerID, noopEvents{}, zap.NewNop().Sugar())
	require.NoError(err)

	store := piecestore.New(mi.Info)
	c := New(Config{ConnectRetryRounds: 1}, mi, store, hs, localPeerID, tally.NoopScope, zap.NewNop().Sugar())

	unreachable := core.NewPeerInfo(core.PeerIDFixture(), "127.0.0.1", 1, false, false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = c.Run(ctx, []*core.PeerInfo{unreachable}, t.TempDir())
	require.Error(err)
}
