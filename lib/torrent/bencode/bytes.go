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
package bencode

// Marshaler is implemented by types that can encode themselves into raw
// bencoding.
type Marshaler interface {
	MarshalBencode() ([]byte, error)
}

// Unmarshaler is implemented by types that can decode themselves from raw
// bencoding. The bytes passed are the exact, unmodified bytes of the
// encoded value as they appeared on the wire.
type Unmarshaler interface {
	UnmarshalBencode([]byte) error
}

// Bytes passes through the exact raw bencoding of a value, verbatim, rather
// than decoding it into a Go structure. This is used to preserve the
// byte-for-byte content of a torrent's info dictionary, which must be
// re-hashed exactly as received to reproduce its infohash.
type Bytes []byte

// MarshalBencode returns b's contents unmodified.
func (b Bytes) MarshalBencode() ([]byte, error) {
	return []byte(b), nil
}

// UnmarshalBencode stores raw unmodified.
func (b *Bytes) UnmarshalBencode(raw []byte) error {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	*b = cp
	return nil
}
