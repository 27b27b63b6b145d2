package btcore

import "time"

// Config holds the tunable defaults named in spec.md §6.
type Config struct {
	// ListeningPort is the TCP port the acceptor listens on.
	ListeningPort uint16

	// BlockSize is the request unit size in bytes. 16 KiB is the
	// common interop value; the protocol negotiates up to 16 KiB but
	// some clients use 8 KiB internally.
	BlockSize int

	// KeepAlive is the idle duration after which a zero-length frame
	// is sent to a peer.
	KeepAlive time.Duration

	// MaxOutstandingPerPeer caps outstanding (peer, block) requests.
	MaxOutstandingPerPeer int

	// NumUnchokedPeers is the number of interested peers unchoked at
	// any one time (see SPEC_FULL.md §11.1).
	NumUnchokedPeers int

	// UnchokeRotationInterval is how often the unchoke policy
	// re-evaluates which peers to unchoke.
	UnchokeRotationInterval time.Duration

	// StaleRequestTimeout purges outstanding requests older than this
	// so the planner can re-issue them to another peer.
	StaleRequestTimeout time.Duration

	// ChannelCapacity bounds every inter-task channel in the engine.
	ChannelCapacity int

	// MaxOutgoingBytesPerSecond caps the peer send task's outbound
	// rate via a token bucket. Zero disables the cap.
	MaxOutgoingBytesPerSecond int64

	// TrackerRetryInterval is used when the tracker has never
	// returned an interval (e.g. the first announce failed).
	TrackerRetryInterval time.Duration

	// DialTimeout bounds outbound TCP connection attempts.
	DialTimeout time.Duration
}

// DefaultConfig returns the configuration defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		ListeningPort:             50881,
		BlockSize:                 16 * 1024,
		KeepAlive:                 115 * time.Second,
		MaxOutstandingPerPeer:     30,
		NumUnchokedPeers:          4,
		UnchokeRotationInterval:   30 * time.Second,
		StaleRequestTimeout:       10 * time.Minute,
		ChannelCapacity:           100,
		MaxOutgoingBytesPerSecond: 20 * 1024 * 1024,
		TrackerRetryInterval:      30 * time.Second,
		DialTimeout:               5 * time.Second,
	}
}
