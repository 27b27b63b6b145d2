package storage

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
)

type fakeSource struct {
	pieceLen int64
	total    int64
	hashes   [][20]byte
}

func (f *fakeSource) NumPieces() int { return len(f.hashes) }
func (f *fakeSource) PieceLen(index int) int64 {
	if index == len(f.hashes)-1 {
		last := f.total - int64(index)*f.pieceLen
		if last > 0 {
			return last
		}
	}
	return f.pieceLen
}
func (f *fakeSource) PieceHash(index int) [20]byte { return f.hashes[index] }

func newSource(pieces [][]byte) *fakeSource {
	src := &fakeSource{pieceLen: int64(len(pieces[0]))}
	for _, p := range pieces {
		src.hashes = append(src.hashes, sha1.Sum(p))
		src.total += int64(len(p))
	}
	return src
}

func TestWriteThenReadBlock(t *testing.T) {
	// Non-zero so the zero-filled fresh file does not already hash as
	// piece 0.
	p0 := bytes.Repeat([]byte{0x0A}, 16384)
	p1 := bytes.Repeat([]byte{0x01}, 16384)
	src := newSource([][]byte{p0, p1})

	dir := t.TempDir()
	path := filepath.Join(dir, "payload")

	s, err := Open(path, src.pieceLen, src.total, src)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Local.Count() != 0 {
		t.Fatalf("fresh file should start with zero completion, got %d", s.Local.Count())
	}

	if err := s.WritePiece(0, p0); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	block, err := s.ReadBlock(0, 0, 100)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(block, p0[:100]) {
		t.Error("read block does not match written data")
	}

	if _, err := ReadIncompletePiece(s); err == nil {
		t.Error("expected an error reading from an incomplete piece")
	}
}

// ReadIncompletePiece is a tiny helper exercising the "reads for
// incomplete pieces are not served" contract against piece index 1,
// which has not been written yet.
func ReadIncompletePiece(s *Storage) ([]byte, error) {
	return s.ReadBlock(1, 0, 100)
}

func TestRenameOnCompletion(t *testing.T) {
	p0 := bytes.Repeat([]byte{0x00}, 16384)
	p1 := bytes.Repeat([]byte{0x01}, 16384)
	src := newSource([][]byte{p0, p1})

	dir := t.TempDir()
	path := filepath.Join(dir, "payload")

	s, err := Open(path, src.pieceLen, src.total, src)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.WritePiece(0, p0); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("final file should not exist before completion")
	}

	if err := s.WritePiece(1, p1); err != nil {
		t.Fatal(err)
	}

	if !s.Complete() {
		t.Fatal("storage should report complete")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("final file should exist after completion: %v", err)
	}
	if _, err := os.Stat(path + ".part"); !os.IsNotExist(err) {
		t.Fatal(".part file should be gone after rename")
	}
}

func TestRehashOnRestart(t *testing.T) {
	p0 := bytes.Repeat([]byte{0x00}, 16384)
	p1 := bytes.Repeat([]byte{0x01}, 16384)
	p2 := bytes.Repeat([]byte{0x02}, 16384)
	src := newSource([][]byte{p0, p1, p2})

	dir := t.TempDir()
	path := filepath.Join(dir, "payload")

	s, err := Open(path, src.pieceLen, src.total, src)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.WritePiece(0, p0); err != nil {
		t.Fatal(err)
	}
	if err := s.WritePiece(1, p1); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Restart against the same .part file.
	s2, err := Open(path, src.pieceLen, src.total, src)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer s2.Close()

	if s2.Local.Count() != 2 {
		t.Fatalf("rehash found %d complete pieces, want 2", s2.Local.Count())
	}
	if s2.Local.Has(2) {
		t.Error("piece 2 was never written; should not be marked complete")
	}
}
