package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/romshark/afxdp-l2fwd/ratelimit"
)

type fakeClock struct {
	now   time.Time
	slept time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.slept += d
	c.now = c.now.Add(d)
}

func TestDisabled(t *testing.T) {
	l := ratelimit.New(0)
	assert.Nil(t, l)
	l.Wait(1000)
	assert.Zero(t, l.Sent())
}

func TestPacesToRate(t *testing.T) {
	c := &fakeClock{now: time.Unix(0, 0)}
	l := ratelimit.New(1000, ratelimit.WithClock(c.Now, c.Sleep))

	// 1000 pps checks every 32 packets.
	for range 31 {
		l.Wait(1)
	}
	assert.Zero(t, c.slept, "no check before checkEvery packets")

	l.Wait(1)
	assert.Equal(t, 32*time.Millisecond, c.slept)

	for range 968 {
		l.Wait(1)
	}
	assert.Equal(t, uint64(1000), l.Sent())
	assert.InDelta(t, float64(time.Second), float64(c.slept), float64(32*time.Millisecond))
}

func TestBatchesCrossCheckpoints(t *testing.T) {
	c := &fakeClock{now: time.Unix(0, 0)}
	l := ratelimit.New(1000, ratelimit.WithClock(c.Now, c.Sleep))

	// Batches of 30 never land on a multiple of 32.
	for range 10 {
		l.Wait(30)
	}
	assert.Equal(t, 300*time.Millisecond, c.slept)
}

func TestNoCatchUpWhenBehind(t *testing.T) {
	c := &fakeClock{now: time.Unix(0, 0)}
	l := ratelimit.New(1000, ratelimit.WithClock(c.Now, c.Sleep))

	c.now = c.now.Add(time.Hour)
	l.Wait(64)
	assert.Zero(t, c.slept)
}
