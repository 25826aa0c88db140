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
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agrell/swarmd/core"
	"github.com/agrell/swarmd/lib/torrent/metainfo"
	"github.com/agrell/swarmd/lib/trackerclient"
)

// Announcer drives the tracker announce lifecycle for one torrent: started
// once when the download begins, a regular refresh every tracker-supplied
// interval, completed once the content is fully verified and assembled, and
// stopped at clean shutdown.
type Announcer struct {
	client      *trackerclient.Client
	mi          *metainfo.Metainfo
	localPeerID core.PeerID
	ip          string
	port        int
	logger      *zap.SugaredLogger

	interval time.Duration
}

// NewAnnouncer constructs an Announcer for mi, announcing against
// mi.Announce. ip and port describe how peers should reach this process.
func NewAnnouncer(
	client *trackerclient.Client,
	mi *metainfo.Metainfo,
	localPeerID core.PeerID,
	ip string,
	port int,
	logger *zap.SugaredLogger) *Announcer {

	return &Announcer{
		client:      client,
		mi:          mi,
		localPeerID: localPeerID,
		ip:          ip,
		port:        port,
		logger:      logger,
	}
}

func (a *Announcer) announce(ctx context.Context, event trackerclient.Event, left int64) (*trackerclient.Response, error) {
	resp, err := a.client.Announce(ctx, a.mi.Announce, trackerclient.Request{
		InfoHash: a.mi.InfoHash,
		PeerID:   a.localPeerID,
		IP:       a.ip,
		Port:     a.port,
		Left:     left,
		Event:    event,
	})
	if err != nil {
		return nil, err
	}
	if resp.Interval > 0 {
		a.interval = time.Duration(resp.Interval) * time.Second
	}
	return resp, nil
}

// Start sends the started event and returns the tracker's initial peer list.
// A started announce failing means the download cannot proceed.
func (a *Announcer) Start(ctx context.Context) ([]*core.PeerInfo, error) {
	resp, err := a.announce(ctx, trackerclient.EventStarted, a.mi.Info.TotalSize())
	if err != nil {
		return nil, fmt.Errorf("announce started: %w", err)
	}
	return resp.Peers, nil
}

// Complete registers this process as a seeder for the torrent.
func (a *Announcer) Complete(ctx context.Context) error {
	if _, err := a.announce(ctx, trackerclient.EventCompleted, 0); err != nil {
		return fmt.Errorf("announce completed: %w", err)
	}
	return nil
}

// Stop sends the stopped event at clean shutdown.
func (a *Announcer) Stop(ctx context.Context) error {
	if _, err := a.announce(ctx, trackerclient.EventStopped, 0); err != nil {
		return fmt.Errorf("announce stopped: %w", err)
	}
	return nil
}

// RefreshLoop sends a regular announce every tracker-supplied interval until
// ctx is canceled. left reports the bytes still missing at each tick (0 once
// seeding). Individual refresh failures are logged and retried on the next
// tick rather than terminating the loop.
func (a *Announcer) RefreshLoop(ctx context.Context, left func() int64) {
	for {
		interval := a.interval
		if interval <= 0 {
			interval = time.Minute
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := a.announce(ctx, trackerclient.EventRegular, left()); err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.Warnf("announcer: refresh for %s failed: %s", a.mi.InfoHash, err)
			}
		}
	}
}
