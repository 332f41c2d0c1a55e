// Package ratelimit provides a simple packets-per-second rate limiter.
package ratelimit

import "time"

// Limiter limits to pps packets per second on average.
// Not safe for concurrent use.
type Limiter struct {
	nsPerPacket int64
	packetsSent uint64
	nextCheck   uint64
	startTime   time.Time
	checkEvery  uint64

	now   func() time.Time
	sleep func(time.Duration)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now and time.Sleep.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(l *Limiter) { l.now, l.sleep = now, sleep }
}

// New creates a limiter for pps packets per second.
// If pps == 0, limiting is disabled and New returns nil.
func New(pps uint64, opts ...Option) *Limiter {
	if pps == 0 {
		return nil
	}
	l := &Limiter{
		nsPerPacket: int64(time.Second) / int64(pps),
		now:         time.Now,
		sleep:       time.Sleep,

		// Check time every ~10ms of packets to balance accuracy vs overhead
		// At least every 32 packets. At most every 1024 packets.
		checkEvery: min(max(pps/100, 32), 1024),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.startTime = l.now()
	l.nextCheck = l.checkEvery
	return l
}

// Wait blocks until n more packets are allowed.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Limiter) Wait(n uint64) {
	if l == nil || n == 0 {
		return
	}

	l.packetsSent += n
	if l.packetsSent < l.nextCheck {
		return // Fast path: only check time periodically.
	}
	l.nextCheck = l.packetsSent + l.checkEvery

	expected := l.startTime.Add(time.Duration(int64(l.packetsSent) * l.nsPerPacket))
	if now := l.now(); now.Before(expected) {
		l.sleep(expected.Sub(now))
	}
}

// Sent returns the number of packets accounted so far.
func (l *Limiter) Sent() uint64 {
	if l == nil {
		return 0
	}
	return l.packetsSent
}
