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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/agrell/swarmd/lib/torrent/bitfield"
	"github.com/agrell/swarmd/lib/torrent/scheduler/conn"
	"github.com/agrell/swarmd/lib/torrent/wire"
)

// Server is the Upload Server: one TCP listener shared by every Active
// Upload, serving piece requests for whichever infohash an accepted
// connection's handshake names.
type Server struct {
	config     Config
	handshaker *conn.Handshaker
	registry   *Registry
	stats      tally.Scope
	logger     *zap.SugaredLogger

	listener net.Listener
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Server. Call ListenAndServe to start accepting
// connections.
func New(
	config Config,
	handshaker *conn.Handshaker,
	registry *Registry,
	stats tally.Scope,
	logger *zap.SugaredLogger) *Server {

	return &Server{
		config:     config.applyDefaults(),
		handshaker: handshaker,
		registry:   registry,
		stats:      stats.Tagged(map[string]string{"module": "uploadserver"}),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// ListenAndServe binds the configured port and runs the accept loop until
// Stop is called. It blocks for the life of the listener, so callers
// typically run it in its own goroutine.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("uploadserver: listen: %w", err)
	}
	s.listener = l

	s.logger.Infof("uploadserver: listening on %s", l.Addr())
	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return fmt.Errorf("uploadserver: accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(nc)
		}()
	}
}

// Stop closes the listener, unblocking ListenAndServe, and waits for every
// in-flight session to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
	})
}

func (s *Server) serveConn(nc net.Conn) {
	pc, err := s.handshaker.Accept(nc)
	if err != nil {
		s.logger.Infof("uploadserver: handshake failed: %s", err)
		nc.Close()
		return
	}

	upload, ok := s.registry.get(pc.InfoHash())
	if !ok {
		s.logger.Infof("uploadserver: rejecting %s: %s", pc.InfoHash(), ErrNotActive)
		pc.Close()
		return
	}

	c, err := s.handshaker.Establish(pc, pc.InfoHash())
	if err != nil {
		s.logger.Infof("uploadserver: establish failed: %s", err)
		return
	}
	c.Start()
	defer c.Close()

	if err := s.serveSession(c, upload); err != nil {
		s.logger.Infof("uploadserver: session with %s for %s ended: %s", c.PeerID(), c.InfoHash(), err)
	}
	upload.peersServed.Inc()
	s.stats.Counter("peers_served").Inc(1)
}

// serveSession runs one seeder-side session to completion: send unchoke,
// wait for interested, send a full bitfield, then loop serving piece
// requests until the peer disconnects.
func (s *Server) serveSession(c *wire.Conn, upload *activeUpload) error {
	if err := c.Send(wire.Message{ID: wire.MsgUnchoke}); err != nil {
		return fmt.Errorf("send unchoke: %w", err)
	}

	if err := s.awaitInterested(c); err != nil {
		return err
	}

	full := bitfield.New(upload.mi.Info.PieceCount())
	for i := 0; i < full.Len(); i++ {
		full.Set(i)
	}
	if err := c.Send(wire.NewBitfieldMessage(full.Pack())); err != nil {
		return fmt.Errorf("send bitfield: %w", err)
	}

	for msg := range c.Receiver() {
		if msg.ID != wire.MsgRequest {
			continue
		}
		idx, err := wire.DecodeU32(msg.Payload)
		if err != nil {
			return fmt.Errorf("decode request: %w", err)
		}
		if err := s.servePiece(c, upload, int(idx)); err != nil {
			return fmt.Errorf("serve piece %d: %w", idx, err)
		}
	}
	return nil
}

func (s *Server) awaitInterested(c *wire.Conn) error {
	deadline := time.NewTimer(s.config.InterestedTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			return errors.New("timeout waiting for interested")
		case msg, ok := <-c.Receiver():
			if !ok {
				return errors.New("connection closed before interested")
			}
			if msg.ID == wire.MsgInterested {
				return nil
			}
		}
	}
}

func (s *Server) servePiece(c *wire.Conn, upload *activeUpload, index int) error {
	data, err := upload.view.GetPieceData(index)
	if err != nil {
		return err
	}
	if err := c.SendPiece(index, data); err != nil {
		return err
	}
	upload.bytesUploaded.Add(int64(len(data)))
	s.stats.Counter("bytes_uploaded").Inc(int64(len(data)))
	return nil
}
