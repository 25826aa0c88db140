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
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agrell/swarmd/core"
	"github.com/agrell/swarmd/lib/torrent/metainfo"
	"github.com/agrell/swarmd/lib/trackerclient"
)

// fakeTracker records each announced event and hands back a canned peer.
type fakeTracker struct {
	mu     sync.Mutex
	events []string

	srv    *httptest.Server
	peerID core.PeerID
}

func newFakeTracker(t *testing.T) *fakeTracker {
	t.Helper()
	ft := &fakeTracker{peerID: core.PeerIDFixture()}
	ft.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ft.mu.Lock()
		ft.events = append(ft.events, r.URL.Query().Get("event"))
		ft.mu.Unlock()
		w.Write([]byte("d8:intervali1e8:completei1e10:incompletei0e5:peersld7:peer_id40:" +
			ft.peerID.String() + "2:ip9:127.0.0.14:porti6881eeee"))
	}))
	t.Cleanup(ft.srv.Close)
	return ft
}

func (ft *fakeTracker) recorded() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]string, len(ft.events))
	copy(out, ft.events)
	return out
}

func announcerFixture(t *testing.T, trackerURL string) *Announcer {
	t.Helper()
	content := bytes.Repeat([]byte("a"), 32<<10)
	info, err := metainfo.NewSingleFileInfo("movie.bin", 16<<10, int64(len(content)), bytes.NewReader(content))
	require.NoError(t, err)
	mi, err := metainfo.New(trackerURL, nil, *info)
	require.NoError(t, err)

	client := trackerclient.New(trackerclient.Config{Timeout: 2 * time.Second})
	return NewAnnouncer(client, mi, core.PeerIDFixture(), "127.0.0.1", 6882, zap.NewNop().Sugar())
}

func TestAnnouncerLifecycleEvents(t *testing.T) {
	require := require.New(t)

	ft := newFakeTracker(t)
	a := announcerFixture(t, ft.srv.URL)

	ctx := context.Background()

	peers, err := a.Start(ctx)
	require.NoError(err)
	require.Len(peers, 1)
	require.Equal(ft.peerID, peers[0].PeerID)

	require.NoError(a.Complete(ctx))
	require.NoError(a.Stop(ctx))

	require.Equal([]string{"started", "completed", "stopped"}, ft.recorded())
}

func TestAnnouncerRefreshLoopSendsRegularAnnounces(t *testing.T) {
	require := require.New(t)

	ft := newFakeTracker(t)
	a := announcerFixture(t, ft.srv.URL)

	_, err := a.Start(context.Background())
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.RefreshLoop(ctx, func() int64 { return 0 })
	}()

	require.Eventually(func() bool {
		return len(ft.recorded()) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done

	events := ft.recorded()
	require.Equal("started", events[0])
	require.Equal("", events[1])
}
