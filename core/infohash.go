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
package core

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// InfoHashLen is the size of an InfoHash in bytes.
const InfoHashLen = sha1.Size

// InfoHash identifies a torrent's content across the swarm: the SHA-1 digest
// of the canonical bencoding of the torrent's info dictionary. It travels
// raw in the peer handshake and as a 40-character lowercase hex string in
// tracker announce queries.
type InfoHash [InfoHashLen]byte

// NewInfoHashFromBytes computes the InfoHash of the given canonically
// bencoded info dictionary.
func NewInfoHashFromBytes(infoBytes []byte) InfoHash {
	return InfoHash(sha1.Sum(infoBytes))
}

// NewInfoHashFromHex parses the 40-character hex form used in tracker
// queries back into an InfoHash.
func NewInfoHashFromHex(s string) (InfoHash, error) {
	if len(s) != 2*InfoHashLen {
		return InfoHash{}, fmt.Errorf(
			"core: infohash hex must be %d characters, got %d", 2*InfoHashLen, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return InfoHash{}, fmt.Errorf("core: infohash hex: %s", err)
	}
	var h InfoHash
	copy(h[:], b)
	return h, nil
}

// Bytes returns the raw digest, as sent in the handshake.
func (h InfoHash) Bytes() []byte {
	return h[:]
}

// Hex returns the lowercase hex form, as sent to the tracker.
func (h InfoHash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h InfoHash) String() string {
	return h.Hex()
}
