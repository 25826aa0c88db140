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
package metainfo

import (
	"bytes"
	"io"

	"github.com/agrell/swarmd/core"
	"github.com/agrell/swarmd/lib/torrent/bencode"
)

// wireMetainfo is the top-level bencode dictionary of a .torrent file. The
// info dict is captured raw (via bencode.Bytes) so its exact bytes can be
// re-hashed into the infohash, independent of how this package's own
// decoder happens to re-serialize nested values.
type wireMetainfo struct {
	Announce     string        `bencode:"announce"`
	AnnounceList [][]string    `bencode:"announce-list,omitempty"`
	InfoBytes    bencode.Bytes `bencode:"info"`
}

// Metainfo is a fully parsed .torrent file: tracker announce URLs, the
// info dictionary, and the infohash derived from info's canonical
// encoding.
type Metainfo struct {
	Announce     string
	AnnounceList [][]string
	Info         Info
	InfoHash     core.InfoHash

	infoBytes []byte
}

// Parse decodes a .torrent file from r.
func Parse(r io.Reader) (*Metainfo, error) {
	var w wireMetainfo
	if err := bencode.Unmarshal(r, &w); err != nil {
		return nil, err
	}
	var info Info
	if err := bencode.UnmarshalBytes(w.InfoBytes, &info); err != nil {
		return nil, err
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &Metainfo{
		Announce:     w.Announce,
		AnnounceList: w.AnnounceList,
		Info:         info,
		InfoHash:     core.NewInfoHashFromBytes(w.InfoBytes),
		infoBytes:    w.InfoBytes,
	}, nil
}

// New builds a Metainfo around an already-constructed Info (see
// NewSingleFileInfo/NewMultiFileInfo), computing its infohash from the
// info dict's canonical encoding.
func New(announce string, announceList [][]string, info Info) (*Metainfo, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	raw, err := bencode.MarshalBytes(info)
	if err != nil {
		return nil, err
	}
	return &Metainfo{
		Announce:     announce,
		AnnounceList: announceList,
		Info:         info,
		InfoHash:     core.NewInfoHashFromBytes(raw),
		infoBytes:    raw,
	}, nil
}

// Write encodes m back into .torrent file form, preserving the exact info
// dict bytes used to compute its infohash.
func (m *Metainfo) Write(w io.Writer) error {
	out := wireMetainfo{
		Announce:     m.Announce,
		AnnounceList: m.AnnounceList,
		InfoBytes:    bencode.Bytes(m.infoBytes),
	}
	return bencode.Marshal(w, out)
}

// Bytes returns the encoded .torrent file content.
func (m *Metainfo) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
