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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/agrell/swarmd/core"
	"github.com/agrell/swarmd/utils/bandwidth"
)

// ErrConnClosed is returned by Send when the connection has already
// been closed.
var ErrConnClosed = errors.New("wire: connection closed")

// Events receives lifecycle notifications from a Conn.
type Events interface {
	ConnClosed(*Conn)
}

// Conn manages a single peer session: a handshaken socket exchanging
// length-prefixed messages for one torrent. Reads and writes are driven by
// dedicated goroutines so that a slow peer on one side never blocks the
// other.
type Conn struct {
	id          string
	peerID      core.PeerID
	localPeerID core.PeerID
	infoHash    core.InfoHash
	createdAt   time.Time

	nc     net.Conn
	config Config
	bw     *bandwidth.Limiter
	events Events
	logger *zap.SugaredLogger

	openedByRemote bool

	startOnce sync.Once

	sender   chan Message
	receiver chan Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New wraps an already-handshaken net.Conn into a Conn ready to Start.
// The caller must have already exchanged and validated handshakes.
func New(
	config Config,
	bw *bandwidth.Limiter,
	events Events,
	nc net.Conn,
	localPeerID, remotePeerID core.PeerID,
	infoHash core.InfoHash,
	openedByRemote bool,
	logger *zap.SugaredLogger) (*Conn, error) {

	config = config.applyDefaults()

	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("wire: clear deadline: %w", err)
	}

	c := &Conn{
		id:             uuid.NewString(),
		peerID:         remotePeerID,
		localPeerID:    localPeerID,
		infoHash:       infoHash,
		createdAt:      time.Now(),
		nc:             nc,
		config:         config,
		bw:             bw,
		events:         events,
		logger:         logger,
		openedByRemote: openedByRemote,
		sender:         make(chan Message, config.SenderBufferSize),
		receiver:       make(chan Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}
	return c, nil
}

// Start launches the read and write loops. Calling Start more than once
// has no effect.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer's id.
func (c *Conn) PeerID() core.PeerID { return c.peerID }

// InfoHash returns the torrent this connection was established for.
func (c *Conn) InfoHash() core.InfoHash { return c.infoHash }

// CreatedAt returns when the Conn was constructed.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(id=%s, peer=%s, hash=%s, opened_by_remote=%t)",
		c.id, c.peerID, c.infoHash, c.openedByRemote)
}

// Send enqueues msg for delivery to the peer. Returns ErrConnClosed if the
// connection is shutting down, or an error if the sender buffer is full.
func (c *Conn) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case c.sender <- msg:
		return nil
	default:
		return errors.New("wire: send buffer full")
	}
}

// Receiver returns the channel of inbound messages. It is closed when the
// read loop exits.
func (c *Conn) Receiver() <-chan Message {
	return c.receiver
}

// Close begins an idempotent shutdown of the connection.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
			msg, err := c.readMessage()
			if err != nil {
				c.log().Infof("wire: read loop exiting: %s", err)
				return
			}
			select {
			case c.receiver <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if err := c.writeMessage(msg); err != nil {
				c.log().Infof("wire: write loop exiting: %s", err)
				return
			}
		}
	}
}

func (c *Conn) readMessage() (Message, error) {
	msg, err := ReadMessage(c.nc, c.config.ReadTimeout, c.config.MaxMessageSize)
	if err != nil {
		return Message{}, err
	}
	if msg.ID == MsgPiece && c.bw != nil {
		if err := c.bw.ReserveIngress(int64(len(msg.Payload))); err != nil {
			return Message{}, fmt.Errorf("ingress bandwidth: %w", err)
		}
	}
	return msg, nil
}

func (c *Conn) writeMessage(msg Message) error {
	if msg.ID == MsgPiece && c.bw != nil {
		if err := c.bw.ReserveEgress(int64(len(msg.Payload))); err != nil {
			return fmt.Errorf("egress bandwidth: %w", err)
		}
	}
	return WriteMessage(c.nc, c.config.WriteTimeout, msg)
}

func (c *Conn) log() *zap.SugaredLogger {
	return c.logger.With("conn", c.id, "remote_peer", c.peerID, "hash", c.infoHash)
}
