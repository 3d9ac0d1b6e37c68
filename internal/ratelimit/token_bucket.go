package ratelimit

import (
	"sync"
	"time"
)

// One token is stored as 1e9 nano-tokens so a rate of X tokens/sec adds
// exactly X nano-tokens per elapsed nanosecond.
const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) using a Clock.
//
// A nil *TokenBucket allows everything.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	nanoTokens int64
	last       time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:      clock,
		capacity:   capacity,
		rate:       rate,
		nanoTokens: toNano(capacity),
		last:       clock.Now(),
	}
}

// NewMessageLimiter returns a bucket admitting perSecond messages per second
// with a burst of the same size. perSecond <= 0 disables limiting and returns
// nil.
func NewMessageLimiter(clock Clock, perSecond int) *TokenBucket {
	if perSecond <= 0 {
		return nil
	}
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow consumes tokens if that many are available. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.nanoTokens < cost {
		return false
	}
	b.nanoTokens -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards: move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	full := toNano(b.capacity)
	if b.rate <= 0 || b.nanoTokens >= full {
		if b.nanoTokens > full {
			b.nanoTokens = full
		}
		return
	}

	// elapsed*rate may overflow; compare against the time needed to fill first.
	need := full - b.nanoTokens
	if elapsed >= need/b.rate {
		b.nanoTokens = full
		return
	}
	b.nanoTokens += elapsed * b.rate
	if b.nanoTokens > full {
		b.nanoTokens = full
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
