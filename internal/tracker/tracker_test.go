package tracker

import "testing"

func TestParsePeers(t *testing.T) {
	raw := string([]byte{192, 168, 1, 1, 0x1A, 0xE1, 10, 0, 0, 1, 0x1A, 0xE1})

	peers, err := ParsePeers(raw)
	if err != nil {
		t.Fatalf("ParsePeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[0].IP != "192.168.1.1" || peers[0].Port != 0x1AE1 {
		t.Errorf("peer[0] = %+v", peers[0])
	}
	if peers[1].IP != "10.0.0.1" {
		t.Errorf("peer[1] = %+v", peers[1])
	}
}

func TestParsePeersRejectsBadLength(t *testing.T) {
	if _, err := ParsePeers("12345"); err == nil {
		t.Error("expected an error for a length not a multiple of 6")
	}
}
