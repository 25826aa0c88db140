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
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/agrell/swarmd/core"
	"github.com/agrell/swarmd/lib/torrent/scheduler"
	"github.com/agrell/swarmd/lib/torrentdir"
	"github.com/agrell/swarmd/lib/trackerclient"
	"github.com/agrell/swarmd/lib/uploadserver"
	"github.com/agrell/swarmd/utils/log"
)

// Config is the top-level swarmd configuration, fanned out to each
// subsystem's constructor.
type Config struct {
	Log           log.Config           `yaml:"log"`
	PeerIDFactory core.PeerIDFactory   `yaml:"peer_id_factory"`
	IP            string               `yaml:"ip"`
	DownloadDir   string               `yaml:"download_dir"`
	SeedDir       string               `yaml:"seed_dir"`
	TorrentDir    torrentdir.Config    `yaml:"torrent_dir"`
	Tracker       trackerclient.Config `yaml:"tracker"`
	Scheduler     scheduler.Config     `yaml:"scheduler"`
	UploadServer  uploadserver.Config  `yaml:"upload_server"`
}

func (c Config) applyDefaults() Config {
	if c.PeerIDFactory == "" {
		c.PeerIDFactory = core.AddrHashPeerIDFactory
	}
	if c.IP == "" {
		c.IP = "127.0.0.1"
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "downloads"
	}
	if c.SeedDir == "" {
		c.SeedDir = c.DownloadDir
	}
	if c.TorrentDir.Dir == "" {
		c.TorrentDir.Dir = "torrents"
	}
	return c
}

func loadConfig(path string) (Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	return c.applyDefaults(), nil
}
