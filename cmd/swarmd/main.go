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

// swarmd is a BitTorrent-style peer daemon: it seeds every torrent found in
// its torrent directory and, when asked, downloads one by infohash from the
// swarm its tracker knows about.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/agrell/swarmd/core"
	"github.com/agrell/swarmd/lib/torrent/piecestore"
	"github.com/agrell/swarmd/lib/torrent/scheduler"
	"github.com/agrell/swarmd/lib/torrent/scheduler/conn"
	"github.com/agrell/swarmd/lib/torrent/wire"
	"github.com/agrell/swarmd/lib/torrentdir"
	"github.com/agrell/swarmd/lib/trackerclient"
	"github.com/agrell/swarmd/lib/uploadserver"
	"github.com/agrell/swarmd/utils/log"
)

type connEvents struct {
	logger *zap.SugaredLogger
}

func (e connEvents) ConnClosed(c *wire.Conn) {
	e.logger.Debugf("conn closed: %s", c)
}

func main() {
	configPath := flag.String("config", "", "path to the swarmd YAML config file")
	downloadHash := flag.String("download", "", "hex infohash of a torrent to download")
	flag.Parse()

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Errorf("load config: %s", err)
		return
	}

	logger, err := log.New(config.Log, map[string]interface{}{"app": "swarmd"})
	if err != nil {
		log.Errorf("build logger: %s", err)
		return
	}
	defer logger.Sync()
	log.SetGlobal(logger)

	stats, statsCloser := tally.NewRootScope(tally.ScopeOptions{Prefix: "swarmd"}, time.Second)
	defer statsCloser.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, config, *downloadHash, stats, logger); err != nil {
		logger.Errorf("swarmd: %s", err)
	}
}

func run(
	ctx context.Context,
	config Config,
	downloadHash string,
	stats tally.Scope,
	logger *zap.SugaredLogger) error {

	uploadConfig := config.UploadServer
	peerID, err := config.PeerIDFactory.GeneratePeerID(config.IP, uploadConfig.Port)
	if err != nil {
		return err
	}
	logger.Infof("peer id: %s", peerID)

	scanner, err := torrentdir.New(config.TorrentDir)
	if err != nil {
		return err
	}
	scanner.Start()
	defer scanner.Stop()

	handshaker, err := conn.NewHandshaker(
		uploadConfig.Conn, uploadConfig.Conn.Bandwidth, peerID, connEvents{logger}, logger)
	if err != nil {
		return err
	}

	uploads := uploadserver.NewRegistry()
	for _, mi := range scanner.List() {
		uploads.Add(mi, config.SeedDir)
		logger.Infof("seeding %s (%s)", mi.Info.Name, mi.InfoHash)
	}

	server := uploadserver.New(uploadConfig, handshaker, uploads, stats, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe() }()
	defer server.Stop()

	trackers := trackerclient.New(config.Tracker)
	downloads := scheduler.NewRegistry()

	if downloadHash != "" {
		if err := download(ctx, config, downloadHash, peerID, scanner, trackers, downloads, uploads, stats, logger); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
		return nil
	case err := <-serverErr:
		return err
	}
}

// download drives one torrent from announce to assembled files, then
// registers the result as a new Active Upload so this process keeps seeding
// it.
func download(
	ctx context.Context,
	config Config,
	hash string,
	peerID core.PeerID,
	scanner *torrentdir.Scanner,
	trackers *trackerclient.Client,
	downloads *scheduler.Registry,
	uploads *uploadserver.Registry,
	stats tally.Scope,
	logger *zap.SugaredLogger) error {

	infoHash, err := core.NewInfoHashFromHex(hash)
	if err != nil {
		return err
	}
	mi, err := scanner.Get(infoHash)
	if err != nil {
		return err
	}

	handshaker, err := conn.NewHandshaker(
		config.Scheduler.Conn, config.Scheduler.Conn.Bandwidth, peerID, connEvents{logger}, logger)
	if err != nil {
		return err
	}

	store := piecestore.New(mi.Info)
	coordinator := scheduler.New(config.Scheduler, mi, store, handshaker, peerID, stats, logger)
	if err := downloads.Add(infoHash, coordinator); err != nil {
		return err
	}
	defer downloads.Remove(infoHash)

	announcer := scheduler.NewAnnouncer(trackers, mi, peerID, config.IP, config.UploadServer.Port, logger)
	peers, err := announcer.Start(ctx)
	if err != nil {
		return err
	}
	defer announcer.Stop(context.Background())

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go announcer.RefreshLoop(refreshCtx, func() int64 {
		return int64(store.Remaining()) * mi.Info.PieceLength
	})

	logger.Infof("downloading %s (%s) from %d peers", mi.Info.Name, infoHash, len(peers))
	if err := coordinator.Run(ctx, peers, config.DownloadDir); err != nil {
		return err
	}
	if err := announcer.Complete(ctx); err != nil {
		return err
	}

	uploads.Add(mi, config.DownloadDir)
	logger.Infof("download of %s complete, now seeding", mi.Info.Name)
	return nil
}
