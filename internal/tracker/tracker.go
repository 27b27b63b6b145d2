// Package tracker implements the HTTP tracker collaborator described
// in spec.md §4.6/§6: a GET request carrying torrent state, a
// bencoded response carrying an announce interval and a compact peer
// list.
package tracker

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

// Event is the optional tracker announce event.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// Request carries everything the tracker needs to answer an announce.
type Request struct {
	AnnounceURL string
	InfoHash    [20]byte
	PeerID      [20]byte
	Port        uint16
	Uploaded    int64
	Downloaded  int64
	Left        int64
	Event       Event
}

// Response is the decoded bencoded tracker reply.
type Response struct {
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
	Failure  string `bencode:"failure reason"`
}

// PeerAddr is one entry from a compact peer list.
type PeerAddr struct {
	IP   string
	Port uint16
}

// Client issues HTTP GET announces and parses compact peer lists.
type Client struct {
	HTTP *http.Client
}

// NewClient returns a Client with a 15-second request timeout.
func NewClient() *Client {
	return &Client{HTTP: &http.Client{Timeout: 15 * time.Second}}
}

// Announce sends one GET announce and returns the decoded response.
func (c *Client) Announce(req Request) (*Response, error) {
	u, err := url.Parse(req.AnnounceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing announce url: %w", err)
	}

	params := url.Values{}
	params.Set("info_hash", string(req.InfoHash[:]))
	params.Set("peer_id", string(req.PeerID[:]))
	params.Set("port", fmt.Sprintf("%d", req.Port))
	params.Set("uploaded", fmt.Sprintf("%d", req.Uploaded))
	params.Set("downloaded", fmt.Sprintf("%d", req.Downloaded))
	params.Set("left", fmt.Sprintf("%d", req.Left))
	params.Set("compact", "1")
	if req.Event != EventNone {
		params.Set("event", string(req.Event))
	}
	u.RawQuery = params.Encode()

	httpReq, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "btcore/1.0")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tracker: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracker: reading response body: %w", err)
	}

	var tr Response
	if err := bencode.Unmarshal(bytes.NewReader(body), &tr); err != nil {
		return nil, fmt.Errorf("tracker: decoding response: %w", err)
	}

	if tr.Failure != "" {
		return nil, fmt.Errorf("tracker: failure reason: %s", tr.Failure)
	}

	return &tr, nil
}

// ParsePeers decodes a compact peer list (6 bytes per peer: 4 IPv4 +
// 2 big-endian port) into PeerAddr values.
func ParsePeers(raw string) ([]PeerAddr, error) {
	b := []byte(raw)
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d is not a multiple of 6", len(b))
	}

	peers := make([]PeerAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
		port := uint16(b[i+4])<<8 | uint16(b[i+5])
		peers = append(peers, PeerAddr{IP: ip, Port: port})
	}
	return peers, nil
}
