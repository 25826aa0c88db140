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

// Package metainfo parses and builds bencoded torrent metainfo files,
// computing piece boundaries and the infohash used to identify a torrent's
// content across the tracker and the swarm.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

const pieceHashSize = 20

// FileEntry describes one file within a multi-file torrent's layout. Path
// is an ordered list of path segments relative to the torrent's root
// directory.
type FileEntry struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

// Info is the bencoded "info" dictionary of a torrent file: name, piece
// layout, and either a single-file length or a multi-file list.
type Info struct {
	Name        string      `bencode:"name"`
	PieceLength int64       `bencode:"piece length"`
	Pieces      []byte      `bencode:"pieces"`
	Length      int64       `bencode:"length,omitempty"`
	Files       []FileEntry `bencode:"files,omitempty"`
}

// IsMultiFile reports whether info describes a multi-file layout.
func (info *Info) IsMultiFile() bool {
	return len(info.Files) > 0
}

// FileList returns the ordered file layout. For single-file torrents, this
// synthesizes one entry named after info.Name.
func (info *Info) FileList() []FileEntry {
	if info.IsMultiFile() {
		return info.Files
	}
	return []FileEntry{{Path: []string{info.Name}, Length: info.Length}}
}

// TotalSize returns the sum of all file lengths.
func (info *Info) TotalSize() int64 {
	var total int64
	for _, f := range info.FileList() {
		total += f.Length
	}
	return total
}

// PieceCount returns ceil(TotalSize / PieceLength).
func (info *Info) PieceCount() int {
	total := info.TotalSize()
	if info.PieceLength == 0 {
		return 0
	}
	return int((total + info.PieceLength - 1) / info.PieceLength)
}

// PieceHashes splits the raw Pieces bytes into fixed 20-byte SHA-1 digests.
func (info *Info) PieceHashes() ([][pieceHashSize]byte, error) {
	if len(info.Pieces)%pieceHashSize != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d is not a multiple of %d", len(info.Pieces), pieceHashSize)
	}
	n := len(info.Pieces) / pieceHashSize
	out := make([][pieceHashSize]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], info.Pieces[i*pieceHashSize:(i+1)*pieceHashSize])
	}
	return out, nil
}

// PieceHash returns the expected SHA-1 digest for piece i.
func (info *Info) PieceHash(i int) ([pieceHashSize]byte, error) {
	var h [pieceHashSize]byte
	if i < 0 || (i+1)*pieceHashSize > len(info.Pieces) {
		return h, fmt.Errorf("metainfo: piece index %d out of range", i)
	}
	copy(h[:], info.Pieces[i*pieceHashSize:(i+1)*pieceHashSize])
	return h, nil
}

// PieceBounds returns the half-open byte range [start, end) covered by
// piece i across the concatenation of FileList() in order.
func (info *Info) PieceBounds(i int) (start, end int64, err error) {
	if i < 0 || i >= info.PieceCount() {
		return 0, 0, fmt.Errorf("metainfo: piece index %d out of range", i)
	}
	start = int64(i) * info.PieceLength
	end = start + info.PieceLength
	if total := info.TotalSize(); end > total {
		end = total
	}
	return start, end, nil
}

// Validate checks structural invariants: positive piece length, a pieces
// array sized to an exact multiple of 20, and a piece count consistent
// with the total content size.
func (info *Info) Validate() error {
	if info.Name == "" {
		return errors.New("metainfo: name must not be empty")
	}
	if info.PieceLength <= 0 {
		return errors.New("metainfo: piece length must be positive")
	}
	if len(info.Pieces)%pieceHashSize != 0 {
		return fmt.Errorf("metainfo: pieces length %d is not a multiple of %d", len(info.Pieces), pieceHashSize)
	}
	if info.IsMultiFile() && info.Length != 0 {
		return errors.New("metainfo: multi-file info must not set length")
	}
	if !info.IsMultiFile() && info.Length <= 0 {
		return errors.New("metainfo: single-file info must set a positive length")
	}
	expectedPieces := info.PieceCount()
	if got := len(info.Pieces) / pieceHashSize; got != expectedPieces {
		return fmt.Errorf("metainfo: expected %d piece hashes, got %d", expectedPieces, got)
	}
	return nil
}

// DestPaths returns the on-disk path for each file in FileList(), joined
// under destDir (relative if destDir is relative).
func (info *Info) DestPaths(destDir string) []string {
	var paths []string
	if info.IsMultiFile() {
		for _, f := range info.Files {
			segs := append([]string{destDir, info.Name}, f.Path...)
			paths = append(paths, filepath.Join(segs...))
		}
	} else {
		paths = append(paths, filepath.Join(destDir, info.Name))
	}
	return paths
}

// GeneratePieces hashes r sequentially in pieceLength chunks (the final
// chunk possibly shorter), returning the concatenated raw SHA-1 digests.
func GeneratePieces(r io.Reader, totalSize, pieceLength int64) ([]byte, error) {
	if pieceLength <= 0 {
		return nil, errors.New("metainfo: piece length must be positive")
	}
	var out []byte
	buf := make([]byte, pieceLength)
	remaining := totalSize
	for remaining > 0 {
		n := pieceLength
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return nil, fmt.Errorf("metainfo: read content: %w", err)
		}
		h := sha1.Sum(buf[:n])
		out = append(out, h[:]...)
		remaining -= n
	}
	return out, nil
}

// NewSingleFileInfo builds an Info for a single-file torrent by hashing r,
// which must yield exactly length bytes.
func NewSingleFileInfo(name string, pieceLength, length int64, r io.Reader) (*Info, error) {
	pieces, err := GeneratePieces(r, length, pieceLength)
	if err != nil {
		return nil, err
	}
	info := &Info{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
		Length:      length,
	}
	return info, info.Validate()
}

// NewMultiFileInfo builds an Info for a multi-file torrent. r must yield
// the concatenation of every file's bytes in the order given by files
// (e.g. via io.MultiReader over each file opened in turn).
func NewMultiFileInfo(name string, pieceLength int64, files []FileEntry, r io.Reader) (*Info, error) {
	var total int64
	for _, f := range files {
		total += f.Length
	}
	pieces, err := GeneratePieces(r, total, pieceLength)
	if err != nil {
		return nil, err
	}
	info := &Info{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
		Files:       files,
	}
	return info, info.Validate()
}
