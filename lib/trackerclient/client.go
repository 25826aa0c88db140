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
package trackerclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	bencode "github.com/jackpal/bencode-go"
	"golang.org/x/time/rate"

	"github.com/agrell/swarmd/core"
)

// Event names a lifecycle announce event. The zero value is a regular
// periodic refresh.
type Event string

// Announce events.
const (
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
	EventRegular   Event = ""
)

// ErrAnnounceFailure wraps a tracker's "failure reason" or a non-2xx HTTP
// response.
var ErrAnnounceFailure = errors.New("trackerclient: announce failed")

// Request is one announce call's parameters.
type Request struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
	IP       string
	Port     int
	Left     int64
	Event    Event

	// NumWant overrides Config.NumWant when non-zero.
	NumWant int
}

// peerDict mirrors the non-compact peer entry the tracker returns.
type peerDict struct {
	PeerID string `bencode:"peer_id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

type wireResponse struct {
	FailureReason string     `bencode:"failure reason"`
	Interval      int        `bencode:"interval"`
	Complete      int        `bencode:"complete"`
	Incomplete    int        `bencode:"incomplete"`
	Peers         []peerDict `bencode:"peers"`
}

// Response is a parsed, successful announce response.
type Response struct {
	Interval   int
	Complete   int
	Incomplete int
	Peers      []*core.PeerInfo
}

// Client issues announce requests against a tracker's HTTP contract. A
// Client is stateless and safe to call concurrently; it throttles only its
// own regular (periodic) announces per tracker host.
type Client struct {
	config Config
	http   *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a Client.
func New(config Config) *Client {
	config = config.applyDefaults()
	return &Client{
		config:   config,
		http:     &http.Client{Timeout: config.Timeout},
		limiters: make(map[string]*rate.Limiter),
	}
}

// Announce issues a GET to <trackerURL>/announce with req's parameters and
// decodes the bencoded response. Regular (Event == EventRegular) announces
// are rate-limited per tracker host; lifecycle events (started, completed,
// stopped) are never throttled.
func (c *Client) Announce(ctx context.Context, trackerURL string, req Request) (*Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, fmt.Errorf("trackerclient: parse tracker url: %w", err)
	}
	u.Path = joinPath(u.Path, "announce")

	if req.Event == EventRegular {
		if err := c.waitRegular(ctx, u.Host); err != nil {
			return nil, err
		}
	}

	numWant := req.NumWant
	if numWant == 0 {
		numWant = c.config.NumWant
	}

	v := url.Values{}
	v.Set("info_hash", req.InfoHash.Hex())
	v.Set("peer_id", req.PeerID.String())
	v.Set("ip", req.IP)
	v.Set("port", strconv.Itoa(req.Port))
	v.Set("left", strconv.FormatInt(req.Left, 10))
	v.Set("compact", "0")
	v.Set("numwant", strconv.Itoa(numWant))
	if req.Event != EventRegular {
		v.Set("event", string(req.Event))
	}
	u.RawQuery = v.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("trackerclient: build request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAnnounceFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", ErrAnnounceFailure, resp.StatusCode)
	}

	var w wireResponse
	if err := bencode.Unmarshal(resp.Body, &w); err != nil {
		return nil, fmt.Errorf("trackerclient: decode response: %w", err)
	}
	if w.FailureReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrAnnounceFailure, w.FailureReason)
	}

	peers := make([]*core.PeerInfo, 0, len(w.Peers))
	for _, p := range w.Peers {
		var peerID core.PeerID
		if p.PeerID != "" {
			peerID, err = core.NewPeerID(p.PeerID)
			if err != nil {
				return nil, fmt.Errorf("trackerclient: bad peer id %q: %w", p.PeerID, err)
			}
		}
		peers = append(peers, core.NewPeerInfo(peerID, p.IP, p.Port, false, false))
	}

	return &Response{
		Interval:   w.Interval,
		Complete:   w.Complete,
		Incomplete: w.Incomplete,
		Peers:      peers,
	}, nil
}

func (c *Client) waitRegular(ctx context.Context, host string) error {
	c.mu.Lock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.config.MinRegularAnnounceInterval), 1)
		c.limiters[host] = lim
	}
	c.mu.Unlock()
	return lim.Wait(ctx)
}

func joinPath(base, suffix string) string {
	if base == "" {
		return "/" + suffix
	}
	if base[len(base)-1] == '/' {
		return base + suffix
	}
	return base + "/" + suffix
}
