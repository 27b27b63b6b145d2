package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a BitTorrent protocol message type.
type ID uint8

const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitfieldMsg
	Request
	Piece
	Cancel
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a decoded wire message: a type and its type-specific
// body. A keep-alive is represented as KeepAlive == true with a zero
// value ID and nil Payload.
type Message struct {
	KeepAlive bool
	ID        ID
	Payload   []byte
}

// maxMessageLength bounds a single message's declared length to guard
// against a hostile or corrupt peer claiming an absurd frame size.
// 16 KiB of block data plus an 8-byte PIECE header leaves ample room.
const maxMessageLength = 1 << 20

// HaveBody encodes a HAVE message's 4-byte big-endian piece index.
func HaveBody(index uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return buf
}

// ParseHave decodes a HAVE message body into a piece index.
func ParseHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("wire: malformed have body, length %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// RequestBody encodes a REQUEST/CANCEL message body: three big-endian
// uint32s (index, begin, length).
func RequestBody(index, begin, length uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	binary.BigEndian.PutUint32(buf[8:12], length)
	return buf
}

// ParseRequest decodes a REQUEST/CANCEL message body.
func ParseRequest(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("wire: malformed request body, length %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		binary.BigEndian.Uint32(payload[8:12]),
		nil
}

// PieceBody encodes a PIECE message body: index, begin, then block data.
func PieceBody(index, begin uint32, block []byte) []byte {
	buf := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	copy(buf[8:], block)
	return buf
}

// ParsePiece decodes a PIECE message body into its index, begin and
// block bytes. The returned slice aliases payload.
func ParsePiece(payload []byte) (index, begin uint32, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("wire: malformed piece body, length %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		payload[8:],
		nil
}

// Encode serializes msg as one contiguous length-prefixed frame. A
// keep-alive encodes to a bare 4-byte zero length.
func Encode(msg Message) []byte {
	if msg.KeepAlive {
		return make([]byte, 4)
	}

	length := uint32(1 + len(msg.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// WriteMessage encodes msg and writes it as a single Write call so the
// frame is never split across writes.
func WriteMessage(w io.Writer, msg Message) error {
	_, err := w.Write(Encode(msg))
	return err
}

// Decoder is a streaming state machine that accumulates bytes from
// arbitrarily fragmented reads and emits one Message at a time. It
// must be fed via Feed and drained via Next; the internal buffer
// survives across calls so a message split across many socket reads
// still decodes as one message.
type Decoder struct {
	buf []byte
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next attempts to decode one message from the buffered bytes. ok is
// false when more data must be read before a full message is
// available; err is non-nil only for a malformed/oversized frame.
func (d *Decoder) Next() (msg Message, ok bool, err error) {
	if len(d.buf) < 4 {
		return Message{}, false, nil
	}

	length := binary.BigEndian.Uint32(d.buf[0:4])
	if length == 0 {
		d.buf = d.buf[4:]
		return Message{KeepAlive: true}, true, nil
	}

	if length > maxMessageLength {
		return Message{}, false, fmt.Errorf("wire: message too large: %d bytes", length)
	}

	if uint32(len(d.buf)-4) < length {
		return Message{}, false, nil
	}

	body := d.buf[4 : 4+length]
	m := Message{ID: ID(body[0]), Payload: append([]byte(nil), body[1:]...)}
	d.buf = d.buf[4+length:]
	return m, true, nil
}

// ReadMessage reads exactly one framed message from r, blocking on
// additional reads as needed. It is a convenience wrapper over Decoder
// for callers that don't need to interleave decoding with other I/O.
func ReadMessage(r io.Reader, d *Decoder) (Message, error) {
	for {
		msg, ok, err := d.Next()
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}

		chunk := make([]byte, 8*1024)
		n, err := r.Read(chunk)
		if n > 0 {
			d.Feed(chunk[:n])
		}
		if err != nil {
			return Message{}, err
		}
	}
}
