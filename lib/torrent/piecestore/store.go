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

// Package piecestore owns the bitfield and piece-indexed data map for one
// active torrent, performing SHA-1 verification and final file assembly.
package piecestore

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/atomic"

	"github.com/agrell/swarmd/lib/torrent/bitfield"
	"github.com/agrell/swarmd/lib/torrent/metainfo"
)

// ErrDuplicatePiece is returned by AddDownloadedPiece when the piece was
// already verified and stored.
var ErrDuplicatePiece = errors.New("piecestore: piece already stored")

// ErrVerificationFailure is returned by AddDownloadedPiece when the
// provided bytes do not hash to the expected piece digest.
var ErrVerificationFailure = errors.New("piecestore: sha1 verification failed")

// Store owns the bitfield, piece map, and remaining-piece counter for one
// active torrent. AddDownloadedPiece is safe to call concurrently from
// multiple peer sessions: the bitfield, piece map, and counter are updated
// as a single atomic unit, and exactly one concurrent caller succeeds per
// index.
type Store struct {
	info metainfo.Info

	mu     sync.Mutex
	bits   *bitfield.Bitfield
	pieces map[int][]byte

	remaining *atomic.Int32
}

// New creates an empty Store for info; no pieces are present.
func New(info metainfo.Info) *Store {
	n := info.PieceCount()
	return &Store{
		info:      info,
		bits:      bitfield.New(n),
		pieces:    make(map[int][]byte),
		remaining: atomic.NewInt32(int32(n)),
	}
}

// VerifyPiece reports whether data hashes to the expected SHA-1 digest for
// piece index.
func (s *Store) VerifyPiece(index int, data []byte) bool {
	want, err := s.info.PieceHash(index)
	if err != nil {
		return false
	}
	got := sha1.Sum(data)
	return got == want
}

// AddDownloadedPiece verifies data against piece index's expected digest
// and, if valid and not already present, inserts it and decrements the
// remaining counter. Exactly one of any number of concurrent callers for
// the same index succeeds; the rest observe ErrDuplicatePiece.
func (s *Store) AddDownloadedPiece(index int, data []byte) error {
	if !s.VerifyPiece(index, data) {
		return ErrVerificationFailure
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bits.Has(index) {
		return ErrDuplicatePiece
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.pieces[index] = cp
	s.bits.Set(index)
	s.remaining.Dec()
	return nil
}

// GetPieceData returns the stored bytes for piece index, if present.
func (s *Store) GetPieceData(index int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.pieces[index]
	return b, ok
}

// SnapshotBitfield returns the current packed bitfield.
func (s *Store) SnapshotBitfield() []byte {
	return s.bits.Pack()
}

// Remaining returns the number of pieces not yet stored.
func (s *Store) Remaining() int {
	return int(s.remaining.Load())
}

// Complete reports whether every piece has been stored.
func (s *Store) Complete() bool {
	return s.Remaining() == 0
}

// AssembleTo concatenates all stored pieces in index order and splits the
// result into the destination file tree described by info.FileList(),
// writing exactly file.Length bytes per entry. AssembleTo requires that
// every piece has already been verified and stored.
func (s *Store) AssembleTo(destDir string) error {
	if !s.Complete() {
		return fmt.Errorf("piecestore: cannot assemble with %d pieces remaining", s.Remaining())
	}

	paths := s.info.DestPaths(destDir)
	files := s.info.FileList()

	writers := make([]*os.File, len(files))
	defer func() {
		for _, f := range writers {
			if f != nil {
				f.Close()
			}
		}
	}()
	for i, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("piecestore: mkdir: %w", err)
		}
		f, err := os.Create(p)
		if err != nil {
			return fmt.Errorf("piecestore: create %s: %w", p, err)
		}
		writers[i] = f
	}

	fileIdx := 0
	var fileOffset int64
	n := s.info.PieceCount()
	for i := 0; i < n; i++ {
		s.mu.Lock()
		data := s.pieces[i]
		s.mu.Unlock()

		for len(data) > 0 {
			if fileIdx >= len(files) {
				return errors.New("piecestore: piece data exceeds total file length")
			}
			remainingInFile := files[fileIdx].Length - fileOffset
			n := int64(len(data))
			if n > remainingInFile {
				n = remainingInFile
			}
			if _, err := writers[fileIdx].Write(data[:n]); err != nil {
				return fmt.Errorf("piecestore: write: %w", err)
			}
			data = data[n:]
			fileOffset += n
			if fileOffset == files[fileIdx].Length {
				fileIdx++
				fileOffset = 0
			}
		}
	}
	return nil
}

// ReadOnlyView wraps on-disk source file(s) for an Active Upload's info,
// slicing piece bytes across file boundaries for upload serving without
// holding the content in memory.
type ReadOnlyView struct {
	info  metainfo.Info
	paths []string
}

// NewReadOnlyView builds a view over source files already present at
// sourceDir (matching info's layout), used to serve piece requests.
func NewReadOnlyView(info metainfo.Info, sourceDir string) *ReadOnlyView {
	return &ReadOnlyView{info: info, paths: info.DestPaths(sourceDir)}
}

// GetPieceData reads piece index's bytes directly from the source files,
// crossing file boundaries in multi-file mode.
func (v *ReadOnlyView) GetPieceData(index int) ([]byte, error) {
	start, end, err := v.info.PieceBounds(index)
	if err != nil {
		return nil, err
	}
	size := end - start
	out := make([]byte, 0, size)

	files := v.info.FileList()
	var fileStart int64
	for i, f := range files {
		fileEnd := fileStart + f.Length
		if fileEnd > start && fileStart < end {
			readStart := start - fileStart
			if readStart < 0 {
				readStart = 0
			}
			readEnd := end - fileStart
			if readEnd > f.Length {
				readEnd = f.Length
			}
			chunk, err := readFileRange(v.paths[i], readStart, readEnd-readStart)
			if err != nil {
				return nil, err
			}
			out = append(out, chunk...)
		}
		fileStart = fileEnd
		if fileStart >= end {
			break
		}
	}
	if int64(len(out)) != size {
		return nil, fmt.Errorf("piecestore: assembled %d bytes for piece %d, expected %d", len(out), index, size)
	}
	return out, nil
}

func readFileRange(path string, offset, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
