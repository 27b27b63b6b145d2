// Package storage wraps the single-file on-disk payload, mapping
// piece/block coordinates to byte offsets, and owns the
// stage-as-.part / rename-on-completion lifecycle.
package storage

import (
	"crypto/sha1"
	"fmt"
	"os"

	"btcore/internal/bitfield"
)

// PieceSource describes the pieces a Storage must account for: their
// count, per-piece length, and expected SHA-1 digests.
type PieceSource interface {
	NumPieces() int
	PieceLen(index int) int64
	PieceHash(index int) [20]byte
}

// Storage owns the sparse on-disk file for one torrent's payload.
type Storage struct {
	finalPath string
	partPath  string
	curPath   string
	file      *os.File

	pieceLength int64
	totalLength int64
	src         PieceSource

	// Local reports on-disk completion reconstructed (or updated) via
	// rehashing. It has no locking of its own: while the engine runs,
	// only the engine's consumer goroutine reads or writes it.
	Local *bitfield.Bitfield
}

// Open creates (if absent) or opens the payload file at path, staged
// as "<path>.part" until every piece is present, and rehashes every
// piece position against src to rebuild the local completion
// bitfield. pieceLength/totalLength describe the payload layout.
func Open(path string, pieceLength, totalLength int64, src PieceSource) (*Storage, error) {
	s := &Storage{
		finalPath:   path,
		partPath:    path + ".part",
		pieceLength: pieceLength,
		totalLength: totalLength,
		src:         src,
		Local:       bitfield.New(src.NumPieces()),
	}

	if _, err := os.Stat(path); err == nil {
		s.curPath = path
	} else {
		s.curPath = s.partPath
	}

	f, err := os.OpenFile(s.curPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %q: %w", s.curPath, err)
	}

	if err := f.Truncate(totalLength); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: truncating %q: %w", s.curPath, err)
	}
	s.file = f

	if err := s.rehash(); err != nil {
		f.Close()
		return nil, err
	}

	if s.Local.Complete() {
		if err := s.finalize(); err != nil {
			s.file.Close()
			return nil, err
		}
	}

	return s, nil
}

// rehash recomputes the SHA-1 of every piece position on disk and
// rebuilds Local, so a restart with the same .part file resumes with
// the correct completion state instead of trusting a stale sidecar.
func (s *Storage) rehash() error {
	for i := 0; i < s.src.NumPieces(); i++ {
		length := s.src.PieceLen(i)
		buf := make([]byte, length)

		n, err := s.file.ReadAt(buf, int64(i)*s.pieceLength)
		if err != nil && n != int(length) {
			// Short/failed read: piece not present, leave bit clear.
			continue
		}

		if sha1.Sum(buf) == s.src.PieceHash(i) {
			s.Local.Set(i)
		}
	}
	return nil
}

// WritePiece writes a fully-verified piece's bytes at its offset.
// Callers must only invoke this with bytes that already matched the
// expected SHA-1 digest.
func (s *Storage) WritePiece(index int, data []byte) error {
	offset := int64(index) * s.pieceLength
	if _, err := s.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("storage: writing piece %d: %w", index, err)
	}
	s.Local.Set(index)

	if s.Local.Complete() {
		if err := s.finalize(); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlock returns exactly length bytes starting at begin within
// piece index. It refuses to serve reads for pieces that are not yet
// complete, per spec.md §4.2.
func (s *Storage) ReadBlock(index int, begin, length int64) ([]byte, error) {
	if !s.Local.Has(index) {
		return nil, fmt.Errorf("storage: piece %d is not complete", index)
	}

	offset := int64(index)*s.pieceLength + begin
	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: reading block (%d,%d,%d): %w", index, begin, length, err)
	}
	if int64(n) != length {
		return nil, fmt.Errorf("storage: short read for block (%d,%d,%d): got %d bytes", index, begin, length, n)
	}
	return buf, nil
}

// finalize renames the staged .part file to its final name once every
// piece bit is set.
func (s *Storage) finalize() error {
	if s.curPath == s.finalPath {
		return nil
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("storage: closing part file before rename: %w", err)
	}
	if err := os.Rename(s.curPath, s.finalPath); err != nil {
		return fmt.Errorf("storage: renaming %q to %q: %w", s.curPath, s.finalPath, err)
	}
	s.curPath = s.finalPath

	f, err := os.OpenFile(s.finalPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("storage: reopening %q: %w", s.finalPath, err)
	}
	s.file = f
	return nil
}

// Complete reports whether the payload has been fully downloaded and
// renamed to its final name.
func (s *Storage) Complete() bool {
	return s.Local.Complete()
}

// Close releases the underlying file handle.
func (s *Storage) Close() error {
	return s.file.Close()
}
