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

import "math/rand"

// PeerIDFixture returns a randomly generated PeerID for tests.
func PeerIDFixture() PeerID {
	p, err := RandomPeerID()
	if err != nil {
		panic(err)
	}
	return p
}

// InfoHashFixture returns a randomly generated InfoHash for tests.
func InfoHashFixture() InfoHash {
	var b [20]byte
	rand.Read(b[:])
	return NewInfoHashFromBytes(b[:])
}

// PeerInfoFixture returns a randomly populated PeerInfo for tests.
func PeerInfoFixture() *PeerInfo {
	return NewPeerInfo(
		PeerIDFixture(),
		"127.0.0.1",
		1000+rand.Intn(10000),
		false,
		false)
}
