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
	"net"
	"time"

	"github.com/agrell/swarmd/utils/bandwidth"
	"github.com/agrell/swarmd/utils/memsize"
)

// Config is the configuration for individual live peer connections.
type Config struct {

	// HandshakeTimeout is the timeout for dialing, writing, and reading
	// connections during handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// ReadTimeout bounds a single message read.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds a single message write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxMessageSize caps the declared length of an incoming frame.
	MaxMessageSize uint32 `yaml:"max_message_size"`

	// ChunkSize is the size of each block a piece is split into on the
	// wire.
	ChunkSize int `yaml:"chunk_size"`

	// ChunkPacingDelay is slept between consecutive chunk writes of the
	// same piece, smoothing egress bursts.
	ChunkPacingDelay time.Duration `yaml:"chunk_pacing_delay"`

	// SenderBufferSize is the size of the sender channel for a
	// connection, so that writers are not blocked by a slow peer.
	SenderBufferSize int `yaml:"sender_buffer_size"`

	// ReceiverBufferSize is the size of the receiver channel for a
	// connection, so that the read loop is not blocked by a slow
	// consumer.
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	// SocketSendBufferSize and SocketRecvBufferSize set the underlying
	// TCP socket's SO_SNDBUF/SO_RCVBUF, applied to every dialed or
	// accepted peer connection before the handshake.
	SocketSendBufferSize int `yaml:"socket_send_buffer_size"`
	SocketRecvBufferSize int `yaml:"socket_recv_buffer_size"`

	Bandwidth bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = uint32(32 * memsize.KB)
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 4 << 10
	}
	if c.ChunkPacingDelay == 0 {
		c.ChunkPacingDelay = 1500 * time.Microsecond
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 100
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 100
	}
	if c.SocketSendBufferSize == 0 {
		c.SocketSendBufferSize = 1 << 20 // 1 MiB
	}
	if c.SocketRecvBufferSize == 0 {
		c.SocketRecvBufferSize = 1 << 20 // 1 MiB
	}
	return c
}

// SetSocketBuffers applies cfg's socket send/recv buffer sizes (or their
// 1 MiB defaults) to nc, if nc is a *net.TCPConn. Non-TCP connections
// (used in tests) are left untouched.
func SetSocketBuffers(nc net.Conn, cfg Config) error {
	cfg = cfg.applyDefaults()
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetWriteBuffer(cfg.SocketSendBufferSize); err != nil {
		return err
	}
	return tc.SetReadBuffer(cfg.SocketRecvBufferSize)
}
