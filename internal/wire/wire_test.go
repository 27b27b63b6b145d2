package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "01234567890123456789")
	copy(peerID[:], "abcdefghijklmnopqrst")

	var buf bytes.Buffer
	if err := WriteHandshake(&buf, infoHash, peerID); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	if buf.Len() != HandshakeLen {
		t.Fatalf("handshake length = %d, want %d", buf.Len(), HandshakeLen)
	}

	hs, err := ReadHandshake(&buf, infoHash, nil)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if hs.InfoHash != infoHash || hs.PeerID != peerID {
		t.Errorf("round trip mismatch: %+v", hs)
	}
}

func TestHandshakeRejectsBadInfoHash(t *testing.T) {
	var infoHash, otherHash, peerID [20]byte
	copy(infoHash[:], "01234567890123456789")
	copy(otherHash[:], "99999999999999999999")
	copy(peerID[:], "abcdefghijklmnopqrst")

	var buf bytes.Buffer
	_ = WriteHandshake(&buf, infoHash, peerID)

	if _, err := ReadHandshake(&buf, otherHash, nil); err != ErrInfoHashMismatch {
		t.Fatalf("expected ErrInfoHashMismatch, got %v", err)
	}
}

func TestHandshakeRejectsPeerIDMismatch(t *testing.T) {
	var infoHash, peerID, expected [20]byte
	copy(infoHash[:], "01234567890123456789")
	copy(peerID[:], "abcdefghijklmnopqrst")
	copy(expected[:], "zzzzzzzzzzzzzzzzzzzz")

	var buf bytes.Buffer
	_ = WriteHandshake(&buf, infoHash, peerID)

	if _, err := ReadHandshake(&buf, infoHash, &expected); err != ErrPeerIDMismatch {
		t.Fatalf("expected ErrPeerIDMismatch, got %v", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		{ID: Choke},
		{ID: Unchoke},
		{ID: Interested},
		{ID: NotInterested},
		{ID: Have, Payload: HaveBody(42)},
		{ID: Request, Payload: RequestBody(1, 2, 16384)},
		{ID: Piece, Payload: PieceBody(1, 0, []byte("hello world"))},
		{KeepAlive: true},
	}

	for _, want := range cases {
		encoded := Encode(want)
		d := &Decoder{}
		d.Feed(encoded)
		got, ok, err := d.Next()
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if !ok {
			t.Fatalf("Next() not ok for fully-fed message")
		}
		if got.KeepAlive != want.KeepAlive || got.ID != want.ID || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestDecoderSurvivesSplitReads(t *testing.T) {
	msg := Message{ID: Request, Payload: RequestBody(7, 16384, 16384)}
	encoded := Encode(msg)

	// Split into three uneven chunks, as in the spec's framing scenario.
	splits := [][]byte{encoded[:2], encoded[2:5], encoded[5:]}

	d := &Decoder{}
	var got Message
	var ok bool
	for _, chunk := range splits {
		d.Feed(chunk)
		var err error
		got, ok, err = d.Next()
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if ok {
			break
		}
	}

	if !ok {
		t.Fatal("decoder never produced a message")
	}

	index, begin, length, err := ParseRequest(got.Payload)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if index != 7 || begin != 16384 || length != 16384 {
		t.Errorf("got (%d,%d,%d), want (7,16384,16384)", index, begin, length)
	}

	if len(d.buf) != 0 {
		t.Errorf("decoder left %d leftover bytes", len(d.buf))
	}
}

func TestDecoderEmitsMultipleMessagesFromOneFeed(t *testing.T) {
	d := &Decoder{}
	d.Feed(Encode(Message{ID: Choke}))
	d.Feed(Encode(Message{ID: Unchoke}))

	first, ok, err := d.Next()
	if err != nil || !ok || first.ID != Choke {
		t.Fatalf("first message = %+v, ok=%v, err=%v", first, ok, err)
	}
	second, ok, err := d.Next()
	if err != nil || !ok || second.ID != Unchoke {
		t.Fatalf("second message = %+v, ok=%v, err=%v", second, ok, err)
	}
}

func TestKeepAliveIsNotMalformed(t *testing.T) {
	d := &Decoder{}
	d.Feed([]byte{0, 0, 0, 0})
	msg, ok, err := d.Next()
	if err != nil {
		t.Fatalf("keep-alive produced error: %v", err)
	}
	if !ok || !msg.KeepAlive {
		t.Fatalf("expected keep-alive message, got %+v ok=%v", msg, ok)
	}
}

func TestReadMessageOverReader(t *testing.T) {
	msg := Message{ID: Piece, Payload: PieceBody(3, 16384, []byte("blockdata"))}
	r := bytes.NewReader(Encode(msg))

	d := &Decoder{}
	got, err := ReadMessage(r, d)
	if err != nil && err != io.EOF {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.ID != Piece {
		t.Fatalf("got ID %v, want Piece", got.ID)
	}
}
