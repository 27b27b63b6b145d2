package peer

import (
	"sync"
	"time"
)

// tokenBucket enforces MAX_OUTGOING_BYTES_PER_SECOND at the send
// task. Each Take refills it in proportion to the time elapsed since
// the previous refill. A zero rate disables the cap.
type tokenBucket struct {
	mu       sync.Mutex
	rate     int64 // bytes/sec; 0 disables the cap
	capacity int64
	tokens   int64
	last     time.Time
}

func newTokenBucket(ratePerSecond int64) *tokenBucket {
	return &tokenBucket{
		rate:     ratePerSecond,
		capacity: ratePerSecond,
		tokens:   ratePerSecond,
		last:     time.Now(),
	}
}

// Take blocks until n bytes' worth of tokens are available, or
// returns immediately if the cap is disabled.
func (b *tokenBucket) Take(n int) {
	if b.rate <= 0 {
		return
	}

	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= int64(n) {
			b.tokens -= int64(n)
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
}

func (b *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	added := int64(elapsed.Seconds() * float64(b.rate))
	b.tokens += added
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}
