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

// Package scheduler implements the Download Coordinator: for one active
// torrent, it connects to a tracker-supplied peer list, collects remote
// bitfields, applies rarest-first piece selection, schedules pieces to
// peers in batches with retries, and finalizes by assembling the completed
// content to disk.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agrell/swarmd/core"
	"github.com/agrell/swarmd/lib/torrent/bitfield"
	"github.com/agrell/swarmd/lib/torrent/metainfo"
	"github.com/agrell/swarmd/lib/torrent/piecestore"
	"github.com/agrell/swarmd/lib/torrent/scheduler/conn"
	"github.com/agrell/swarmd/lib/torrent/scheduler/piecerequest"
	"github.com/agrell/swarmd/lib/torrent/wire"
	"github.com/agrell/swarmd/utils/backoff"
	"github.com/agrell/swarmd/utils/errutil"
	"github.com/agrell/swarmd/utils/syncutil"
)

// ErrIncompleteSwarm is returned by Run when the connected peers'
// combined bitfields never covered every piece, so rarest-first selection
// ran dry with pieces still missing. Surfaced explicitly so incomplete
// coverage never reads as success.
var ErrIncompleteSwarm = errors.New("scheduler: swarm coverage incomplete")

// Coordinator drives a single torrent's download to completion: connect,
// exchange bitfields, rarest-first select, assign, download with retries,
// and finalize.
type Coordinator struct {
	config      Config
	mi          *metainfo.Metainfo
	store       *piecestore.Store
	handshaker  *conn.Handshaker
	localPeerID core.PeerID
	stats       tally.Scope
	logger      *zap.SugaredLogger
}

// New constructs a Coordinator for one torrent download.
func New(
	config Config,
	mi *metainfo.Metainfo,
	store *piecestore.Store,
	handshaker *conn.Handshaker,
	localPeerID core.PeerID,
	stats tally.Scope,
	logger *zap.SugaredLogger) *Coordinator {

	config = config.applyDefaults()
	return &Coordinator{
		config:      config,
		mi:          mi,
		store:       store,
		handshaker:  handshaker,
		localPeerID: localPeerID,
		stats:       stats.Tagged(map[string]string{"module": "scheduler"}),
		logger:      logger,
	}
}

// peerSession is one connected, handshaken peer participating in this
// download.
type peerSession struct {
	conn     *wire.Conn
	peerInfo *core.PeerInfo
	bitfield *bitfield.Bitfield
	assigned []int
}

// Run executes the full connect -> bitfield -> select/assign -> download ->
// retry -> finalize pipeline against the tracker-supplied peer list,
// writing the assembled content to destDir on success.
func (c *Coordinator) Run(ctx context.Context, peers []*core.PeerInfo, destDir string) error {
	sessions := c.connectPhase(ctx, peers)
	defer c.finalizeSessions(sessions)

	if len(sessions) == 0 {
		return fmt.Errorf("scheduler: no peers reachable out of %d candidates", len(peers))
	}

	c.bitfieldPhase(ctx, sessions)

	sessions = aliveSessions(sessions)
	if len(sessions) == 0 {
		return errors.New("scheduler: all sessions failed during bitfield exchange")
	}

	failed, err := c.downloadAll(ctx, sessions)
	if err != nil {
		return err
	}

	for attempt := 0; len(failed) > 0 && attempt < c.config.MaxDownloadRetry; attempt++ {
		sessions = aliveSessions(sessions)
		if len(sessions) == 0 {
			break
		}
		c.log().Infof("scheduler: retry round %d for %d failed pieces", attempt+1, len(failed))
		failed, err = c.downloadIndices(ctx, sessions, failed)
		if err != nil {
			return err
		}
	}

	if missing := c.missingIndices(); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrIncompleteSwarm, (&FailedPiecesError{Indices: missing}).Error())
	}

	return c.store.AssembleTo(destDir)
}

// missingIndices returns every piece index not yet present in the store,
// covering both pieces that failed every retry and pieces no connected
// peer ever advertised (which rarest-first selection never queues).
func (c *Coordinator) missingIndices() []int {
	var missing []int
	for i := 0; i < c.mi.Info.PieceCount(); i++ {
		if _, ok := c.store.GetPieceData(i); !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// connectPhase dials and handshakes every candidate peer, retrying peers
// that have not yet succeeded for up to config.ConnectRetryRounds rounds,
// with exponential backoff between rounds.
func (c *Coordinator) connectPhase(ctx context.Context, peers []*core.PeerInfo) []*peerSession {
	var mu sync.Mutex
	var sessions []*peerSession
	remaining := make([]*core.PeerInfo, len(peers))
	copy(remaining, peers)

	attempts := backoff.New(c.config.ConnectBackoff).Attempts()
	for round := 0; round < c.config.ConnectRetryRounds && len(remaining) > 0; round++ {
		if ctx.Err() != nil || !attempts.WaitForNext() {
			break
		}
		var next []*core.PeerInfo
		var wg sync.WaitGroup
		for _, p := range remaining {
			p := p
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, err := c.connectOne(p)
				if err != nil {
					c.log().Infof("scheduler: connect %s:%d failed (round %d): %s", p.IP, p.Port, round+1, err)
					mu.Lock()
					next = append(next, p)
					mu.Unlock()
					return
				}
				mu.Lock()
				sessions = append(sessions, s)
				mu.Unlock()
			}()
		}
		wg.Wait()
		remaining = next
	}
	return sessions
}

func (c *Coordinator) connectOne(p *core.PeerInfo) (*peerSession, error) {
	addr := fmt.Sprintf("%s:%d", p.IP, p.Port)
	var expected *core.PeerID
	var zero core.PeerID
	if p.PeerID != zero {
		expected = &p.PeerID
	}
	wc, err := c.handshaker.Initialize(addr, c.mi.InfoHash, expected)
	if err != nil {
		return nil, err
	}
	wc.Start()
	return &peerSession{conn: wc, peerInfo: p}, nil
}

// bitfieldPhase waits for each session to deliver unchoke then (after we
// reply interested) its bitfield.
// Sessions that do not report a bitfield within BitfieldTimeout are closed
// and dropped.
func (c *Coordinator) bitfieldPhase(ctx context.Context, sessions []*peerSession) {
	var wg sync.WaitGroup
	for _, s := range sessions {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.exchangeBitfield(ctx, s); err != nil {
				c.log().Infof("scheduler: bitfield exchange with %s failed: %s", s.peerInfo.PeerID, err)
				s.conn.Close()
			}
		}()
	}
	wg.Wait()
}

func (c *Coordinator) exchangeBitfield(ctx context.Context, s *peerSession) error {
	deadline := time.NewTimer(c.config.BitfieldTimeout)
	defer deadline.Stop()

	sentInterested := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.New("timeout waiting for bitfield")
		case msg, ok := <-s.conn.Receiver():
			if !ok {
				return errors.New("connection closed before bitfield")
			}
			switch msg.ID {
			case wire.MsgUnchoke:
				if !sentInterested {
					if err := s.conn.Send(wire.Message{ID: wire.MsgInterested}); err != nil {
						return err
					}
					sentInterested = true
				}
			case wire.MsgBitfield:
				bf, err := bitfield.Unpack(msg.Payload, c.mi.Info.PieceCount())
				if err != nil {
					return fmt.Errorf("%w: %s", wire.ErrFramingError, err)
				}
				s.bitfield = bf
				return nil
			}
		}
	}
}

func aliveSessions(sessions []*peerSession) []*peerSession {
	out := make([]*peerSession, 0, len(sessions))
	for _, s := range sessions {
		if s.bitfield != nil && !s.conn.IsClosed() {
			out = append(out, s)
		}
	}
	return out
}

// downloadAll selects rarest-first over every piece any connected session
// holds and runs one download pass, returning indices that failed.
func (c *Coordinator) downloadAll(ctx context.Context, sessions []*peerSession) ([]int, error) {
	candidates, counts := c.rarestFirstInputs(sessions)
	order, err := piecerequest.SelectPieces(candidates.Count(), func(i int) bool {
		_, ok := c.store.GetPieceData(i)
		return !ok
	}, candidates, counts)
	if err != nil {
		return nil, fmt.Errorf("scheduler: select pieces: %w", err)
	}
	return c.downloadIndices(ctx, sessions, order)
}

// downloadIndices assigns order's pieces round-robin across sessions that
// hold them and runs one per-session download task for each, returning the
// indices that never succeeded.
func (c *Coordinator) downloadIndices(ctx context.Context, sessions []*peerSession, order []int) ([]int, error) {
	assignRoundRobin(order, sessions)

	var mu sync.Mutex
	var failed []int

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			for _, idx := range s.assigned {
				ok, err := c.downloadPiece(gctx, s, idx)
				if err != nil {
					if gctx.Err() != nil {
						return err
					}
					c.log().Infof("scheduler: download piece %d from %s: %s", idx, s.peerInfo.PeerID, err)
				}
				if !ok {
					mu.Lock()
					failed = append(failed, idx)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Ints(failed)
	return failed, nil
}

// downloadPiece requests piece idx from s, retrying up to
// config.MaxDownloadRetry times. It reports (true, nil) once verified and
// committed, (true, nil) on ErrDuplicatePiece (already stored by another
// session), or (false, lastErr) once retries are exhausted.
func (c *Coordinator) downloadPiece(ctx context.Context, s *peerSession, idx int) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxDownloadRetry; attempt++ {
		data, err := c.requestPiece(ctx, s, idx)
		if err != nil {
			lastErr = err
			continue
		}
		if err := c.store.AddDownloadedPiece(idx, data); err != nil {
			if errors.Is(err, piecestore.ErrDuplicatePiece) {
				return true, nil
			}
			c.stats.Counter("pieces_failed_verification").Inc(1)
			lastErr = err
			continue
		}
		c.stats.Counter("pieces_verified").Inc(1)
		return true, nil
	}
	return false, lastErr
}

func (c *Coordinator) requestPiece(ctx context.Context, s *peerSession, idx int) ([]byte, error) {
	if err := s.conn.Send(wire.NewRequestMessage(idx)); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	deadline := time.NewTimer(c.config.RequestTimeout)
	defer deadline.Stop()

	assembler := wire.NewPieceAssembler()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: waiting for piece %d", errTimeout, idx)
		case msg, ok := <-s.conn.Receiver():
			if !ok {
				return nil, errors.New("connection closed mid-transfer")
			}
			if msg.ID != wire.MsgPiece {
				continue
			}
			data, done, err := assembler.AddChunk(msg.Payload)
			if err != nil {
				return nil, err
			}
			if !done {
				continue
			}
			if assembler.Index() != idx {
				return nil, fmt.Errorf("scheduler: got piece %d, requested %d", assembler.Index(), idx)
			}
			return data, nil
		}
	}
}

var errTimeout = errors.New("scheduler: timeout")

// rarestFirstInputs computes the union bitfield of pieces any connected
// session holds, and a per-piece peer count, feeding piecerequest's
// rarest-first selection.
func (c *Coordinator) rarestFirstInputs(sessions []*peerSession) (*bitfield.Bitfield, *syncutil.Counters) {
	n := c.mi.Info.PieceCount()
	union := bitfield.New(n)
	counts := syncutil.NewCounters(n)
	for _, s := range sessions {
		if s.bitfield == nil {
			continue
		}
		for i, ok := s.bitfield.NextSet(0); ok; i, ok = s.bitfield.NextSet(i + 1) {
			union.Set(i)
			counts.Increment(i)
		}
	}
	return union, counts
}

// assignRoundRobin distributes order's piece indices round-robin across
// sessions, skipping a session that does not hold a given piece.
func assignRoundRobin(order []int, sessions []*peerSession) {
	for _, s := range sessions {
		s.assigned = nil
	}
	if len(sessions) == 0 {
		return
	}
	next := 0
	for _, idx := range order {
		for attempts := 0; attempts < len(sessions); attempts++ {
			s := sessions[next%len(sessions)]
			next++
			if s.bitfield != nil && s.bitfield.Has(idx) {
				s.assigned = append(s.assigned, idx)
				break
			}
		}
	}
}

func (c *Coordinator) finalizeSessions(sessions []*peerSession) {
	for _, s := range sessions {
		if s.conn.IsClosed() {
			continue
		}
		s.conn.Send(wire.Message{ID: wire.MsgChoke})
		s.conn.Close()
	}
}

func (c *Coordinator) log() *zap.SugaredLogger {
	return c.logger.With("hash", c.mi.InfoHash)
}

// FailedPiecesError names the indices that remained unverified when a
// download gave up, used to report why the retry phase exhausted its
// budget.
type FailedPiecesError struct {
	Indices []int
}

func (e *FailedPiecesError) Error() string {
	errs := make([]error, len(e.Indices))
	for i, idx := range e.Indices {
		errs[i] = fmt.Errorf("piece %d never verified", idx)
	}
	return errutil.Join(errs).Error()
}
