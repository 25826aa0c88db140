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

// Package conn glues the raw wire handshake/Conn into the two shapes a
// scheduler needs: a PendingHandshake accepted from an unknown peer awaiting
// infohash lookup, and a fully established wire.Conn dialed out to a known
// peer.
package conn

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/agrell/swarmd/core"
	"github.com/agrell/swarmd/lib/torrent/wire"
	"github.com/agrell/swarmd/utils/bandwidth"
)

// PendingHandshake is an inbound connection whose handshake has been read
// but not yet answered: the caller must look up the requested infohash
// before deciding whether and how to reply.
type PendingHandshake struct {
	Handshake wire.Handshake
	nc        net.Conn
}

// InfoHash returns the infohash the remote peer is requesting.
func (pc *PendingHandshake) InfoHash() core.InfoHash {
	return pc.Handshake.InfoHash
}

// PeerID returns the remote peer's id.
func (pc *PendingHandshake) PeerID() core.PeerID {
	return pc.Handshake.PeerID
}

// Close closes the underlying connection without replying.
func (pc *PendingHandshake) Close() {
	pc.nc.Close()
}

// Handshaker performs the 68-byte BitTorrent handshake for both outgoing
// (leecher) and incoming (seeder) sessions and upgrades the raw socket into
// a wire.Conn.
type Handshaker struct {
	config    wire.Config
	bandwidth *bandwidth.Limiter
	peerID    core.PeerID
	events    wire.Events
	logger    *zap.SugaredLogger
}

// NewHandshaker constructs a Handshaker sharing one bandwidth.Limiter across
// every Conn it establishes.
func NewHandshaker(
	config wire.Config,
	bwConfig bandwidth.Config,
	peerID core.PeerID,
	events wire.Events,
	logger *zap.SugaredLogger) (*Handshaker, error) {

	bw, err := bandwidth.NewLimiter(bwConfig)
	if err != nil {
		return nil, fmt.Errorf("bandwidth: %w", err)
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	return &Handshaker{
		config:    config,
		bandwidth: bw,
		peerID:    peerID,
		events:    events,
		logger:    logger,
	}, nil
}

// Accept reads (but does not reply to) an inbound peer's handshake.
func (h *Handshaker) Accept(nc net.Conn) (*PendingHandshake, error) {
	if err := wire.SetSocketBuffers(nc, h.config); err != nil {
		return nil, fmt.Errorf("set socket buffers: %w", err)
	}
	hs, err := wire.ReadHandshake(nc, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	return &PendingHandshake{Handshake: hs, nc: nc}, nil
}

// Establish replies to a PendingHandshake with our own handshake for
// infoHash and upgrades the connection into a wire.Conn, marked as opened
// by the remote peer.
func (h *Handshaker) Establish(pc *PendingHandshake, infoHash core.InfoHash) (*wire.Conn, error) {
	reply := wire.Handshake{InfoHash: infoHash, PeerID: h.peerID}
	if err := wire.WriteHandshake(pc.nc, h.config.HandshakeTimeout, reply); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	return wire.New(
		h.config, h.bandwidth, h.events, pc.nc,
		h.peerID, pc.Handshake.PeerID, infoHash,
		true, h.logger)
}

// Initialize dials addr, performs the outgoing handshake for infoHash, and
// returns a fully established wire.Conn. If expectedPeerID is non-nil and
// non-zero, the remote's returned peer id must match it or the handshake
// fails.
func (h *Handshaker) Initialize(
	addr string,
	infoHash core.InfoHash,
	expectedPeerID *core.PeerID) (*wire.Conn, error) {

	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := wire.SetSocketBuffers(nc, h.config); err != nil {
		nc.Close()
		return nil, fmt.Errorf("set socket buffers: %w", err)
	}

	out := wire.Handshake{InfoHash: infoHash, PeerID: h.peerID}
	if err := wire.WriteHandshake(nc, h.config.HandshakeTimeout, out); err != nil {
		nc.Close()
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	in, err := wire.ReadHandshake(nc, h.config.HandshakeTimeout)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if err := wire.Validate(in, infoHash, expectedPeerID); err != nil {
		nc.Close()
		return nil, err
	}

	c, err := wire.New(
		h.config, h.bandwidth, h.events, nc,
		h.peerID, in.PeerID, infoHash,
		false, h.logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}
