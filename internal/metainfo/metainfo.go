// Package metainfo decodes bencoded .torrent files into the
// read-only torrent descriptor the rest of the engine operates on.
// Only single-file torrents are supported; multi-file torrents are an
// explicit Non-goal.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

// rawFile is the bencoded dictionary shape of a .torrent file, as
// decoded by the bencode library. Only single-file fields are kept;
// the multi-file "files" list is intentionally absent.
type rawFile struct {
	Announce string  `bencode:"announce"`
	Info     rawInfo `bencode:"info"`
}

type rawInfo struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
}

// Info is the torrent descriptor: everything the engine needs once a
// .torrent file has been loaded, computed once and treated as
// read-only thereafter.
type Info struct {
	InfoHash    [20]byte
	Announce    string
	Name        string
	PieceLength int64
	TotalLength int64
	PieceHashes [][20]byte
}

// NumPieces returns the number of piece digests, which for a
// well-formed torrent is ceil(TotalLength / PieceLength).
func (i *Info) NumPieces() int {
	return len(i.PieceHashes)
}

// PieceLen returns the byte length of piece index, accounting for a
// possibly-shorter last piece.
func (i *Info) PieceLen(index int) int64 {
	if index == i.NumPieces()-1 {
		last := i.TotalLength - int64(index)*i.PieceLength
		if last > 0 {
			return last
		}
	}
	return i.PieceLength
}

// PieceHash returns the expected SHA-1 digest of piece index, so an
// *Info satisfies storage.PieceSource directly.
func (i *Info) PieceHash(index int) [20]byte {
	return i.PieceHashes[index]
}

// Load reads and parses a .torrent file at path.
func Load(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}

	var raw rawFile
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decoding %q: %w", path, err)
	}

	if len(raw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d is not a multiple of 20", len(raw.Info.Pieces))
	}

	infoBytes, err := extractInfoDict(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: extracting info dict: %w", err)
	}

	numPieces := len(raw.Info.Pieces) / 20
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	return &Info{
		InfoHash:    sha1.Sum(infoBytes),
		Announce:    raw.Announce,
		Name:        raw.Info.Name,
		PieceLength: raw.Info.PieceLength,
		TotalLength: raw.Info.Length,
		PieceHashes: hashes,
	}, nil
}

// extractInfoDict locates the bencoded "info" dictionary's raw bytes
// within the full file so its SHA-1 can be computed exactly as the
// wire protocol defines info-hash: the hash of the bencoded value, not
// a re-encoding of the decoded struct (which could reorder keys or
// drop unknown ones).
func extractInfoDict(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at offset %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at offset %d-%d", i, j)
					}
					j++
					i = j + length - 1
				}
			}
		}
	}
	return nil, fmt.Errorf("unterminated info dict")
}
