package realtime

import (
	"math/rand"
	"time"
)

// bounded exponential backoff for the transport reconnect loop.
// the delay doubles on each `After` up to the max, with a small jitter,
// and `Reset` returns to the minimum after a successful handshake.
type reconnect struct {
	minTimeout time.Duration
	maxTimeout time.Duration
	timeout    time.Duration
}

func newReconnect(minTimeout time.Duration, maxTimeout time.Duration) *reconnect {
	return &reconnect{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
		timeout:    minTimeout,
	}
}

func (self *reconnect) After() <-chan time.Time {
	timeout := self.timeout
	self.timeout = min(2*self.timeout, self.maxTimeout)
	// jitter up to 25%
	timeout += time.Duration(rand.Int63n(1 + int64(timeout/4)))
	return time.After(timeout)
}

func (self *reconnect) Reset() {
	self.timeout = self.minTimeout
}
