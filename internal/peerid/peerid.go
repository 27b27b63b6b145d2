// Package peerid generates the 20-byte client identifier sent in every
// handshake.
package peerid

import (
	"fmt"

	"github.com/google/uuid"
)

// clientPrefix mirrors the Azureus-style convention the teacher used
// ("-GT0001-" for "Go Torrent, version 1").
const clientPrefix = "-GT0001-"

// peerIDLength is fixed by the wire protocol (BEP 3).
const peerIDLength = 20

// Generate returns a fresh 20-byte peer-id: a fixed client prefix
// followed by the first 12 bytes of a random UUIDv4.
func Generate() ([20]byte, error) {
	var id [20]byte

	u, err := uuid.NewRandom()
	if err != nil {
		return id, fmt.Errorf("peerid: generating uuid: %w", err)
	}

	copy(id[:], clientPrefix)
	suffix := u[:]
	n := copy(id[len(clientPrefix):], suffix)
	// UUID is 16 bytes; prefix is 8, so 12 bytes of suffix fit exactly
	// into the remaining 20-8=12 slots.
	_ = n

	return id, nil
}

// String renders id for logging, substituting '.' for any
// non-printable byte.
func String(id [20]byte) string {
	out := make([]byte, len(id))
	for i, b := range id {
		if b >= 0x20 && b < 0x7f {
			out[i] = b
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
