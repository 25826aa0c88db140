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
	"crypto/sha1"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSingleFileRoundTrip(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("x"), 1<<20) // 1 MiB
	pieceLength := int64(256 << 10)             // 256 KiB -> 4 pieces

	info, err := NewSingleFileInfo("movie.mp4", pieceLength, int64(len(content)), bytes.NewReader(content))
	require.NoError(err)
	require.Equal(4, info.PieceCount())

	mi, err := New("http://tracker.example/announce", nil, *info)
	require.NoError(err)

	var buf bytes.Buffer
	require.NoError(mi.Write(&buf))

	parsed, err := Parse(bytes.NewReader(buf.Bytes()))
	require.NoError(err)
	require.Equal(mi.InfoHash, parsed.InfoHash)
	require.Equal(mi.Info, parsed.Info)

	hashes, err := parsed.Info.PieceHashes()
	require.NoError(err)
	require.Len(hashes, 4)
	for i := 0; i < 4; i++ {
		start, end, err := parsed.Info.PieceBounds(i)
		require.NoError(err)
		want := sha1.Sum(content[start:end])
		require.Equal(want, hashes[i])
	}
}

func TestMultiFileRoundTripWithBoundaryCrossingPiece(t *testing.T) {
	require := require.New(t)

	fileA := bytes.Repeat([]byte("a"), 300<<10) // 300 KiB
	fileB := bytes.Repeat([]byte("b"), 500<<10) // 500 KiB
	pieceLength := int64(256 << 10)             // 256 KiB -> 4 pieces (one crosses files)

	files := []FileEntry{
		{Path: []string{"a.txt"}, Length: int64(len(fileA))},
		{Path: []string{"b.txt"}, Length: int64(len(fileB))},
	}
	r := io.MultiReader(bytes.NewReader(fileA), bytes.NewReader(fileB))
	info, err := NewMultiFileInfo("bundle", pieceLength, files, r)
	require.NoError(err)
	require.Equal(4, info.PieceCount())
	require.True(info.IsMultiFile())

	mi, err := New("http://tracker.example/announce", nil, *info)
	require.NoError(err)

	var buf bytes.Buffer
	require.NoError(mi.Write(&buf))
	parsed, err := Parse(bytes.NewReader(buf.Bytes()))
	require.NoError(err)
	require.Equal(mi.InfoHash, parsed.InfoHash)

	all := append(append([]byte{}, fileA...), fileB...)
	hashes, err := parsed.Info.PieceHashes()
	require.NoError(err)
	for i := 0; i < 4; i++ {
		start, end, err := parsed.Info.PieceBounds(i)
		require.NoError(err)
		want := sha1.Sum(all[start:end])
		require.Equal(want, hashes[i])
	}

	paths := parsed.Info.DestPaths("/dest")
	require.Equal([]string{"/dest/bundle/a.txt", "/dest/bundle/b.txt"}, paths)
}

func TestInfoHashStableAcrossReEncode(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("z"), 1<<10)
	info, err := NewSingleFileInfo("x.bin", 512, int64(len(content)), bytes.NewReader(content))
	require.NoError(err)

	mi1, err := New("http://t1", nil, *info)
	require.NoError(err)
	b1, err := mi1.Bytes()
	require.NoError(err)

	parsed, err := Parse(bytes.NewReader(b1))
	require.NoError(err)

	mi2, err := New("http://t2-different-tracker", nil, parsed.Info)
	require.NoError(err)

	// Changing the announce URL must not affect the infohash: it is derived
	// solely from the info dict.
	require.Equal(mi1.InfoHash, mi2.InfoHash)
}

func TestValidateRejectsMismatchedPieceCount(t *testing.T) {
	require := require.New(t)
	info := Info{
		Name:        "x",
		PieceLength: 10,
		Pieces:      make([]byte, 20), // 1 piece hash
		Length:      25,               // requires ceil(25/10) = 3 pieces
	}
	require.Error(info.Validate())
}
