// Package fwd implements the per-core run-to-completion forwarding loop.
//
// Every core busy-polls its ingress ports, measures latency, rewrites and
// buffers frames for their paired egress port, and periodically drains the
// transmit buffers. One core additionally drives the periodic report.
package fwd

import (
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/stats"
	"github.com/romshark/afxdp-l2fwd/tstamp"
	"github.com/romshark/afxdp-l2fwd/txbuf"
)

// State is the observable state of a Core.
type State int32

const (
	// StateInit means the core hasn't started yet.
	StateInit State = iota
	// StateIdle means the core has no ports and returned immediately.
	StateIdle
	StatePolling
	StateDraining
	StateShuttingDown
	// StateStopped means the loop returned after observing the stop flag.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDraining:
		return "draining"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// StopFlag is the global cooperative stop signal.
// It is set at most once and never cleared.
type StopFlag struct{ v atomic.Bool }

// Set raises the flag.
func (f *StopFlag) Set() { f.v.Store(true) }

// IsSet reports whether the flag was raised.
func (f *StopFlag) IsSet() bool { return f.v.Load() }

type rxQueue struct {
	port   dataplane.PortID
	stats  *stats.Port
	dst    *txbuf.Buffer
	dstMAC net.HardwareAddr
}

// Core is the forwarding loop of one CPU core.
type Core struct {
	id  int
	cfg Config

	rx     []rxQueue
	egress []*txbuf.Buffer
	tr     dataplane.Transport
	lat    *stats.CoreLatency

	reporter Reporter
	stop     *StopFlag
	now      func() time.Duration
	wall     func() int64
	log      *zap.SugaredLogger

	state       atomic.Int32
	burst       []dataplane.Frame
	insp        *inspector
	prevDrain   time.Duration
	reportTimer time.Duration
}

// ID returns the CPU the core runs on.
func (c *Core) ID() int { return c.id }

// Ports returns the ingress ports polled by the core.
func (c *Core) Ports() []dataplane.PortID {
	ids := make([]dataplane.PortID, len(c.rx))
	for i, q := range c.rx {
		ids[i] = q.port
	}
	return ids
}

// IsReporter reports whether the core drives the periodic report.
func (c *Core) IsReporter() bool { return c.reporter != nil }

// State returns the current state.
func (c *Core) State() State { return State(c.state.Load()) }

// Run executes the loop until the stop flag is observed.
// A core without ports returns immediately.
func (c *Core) Run() {
	if len(c.rx) == 0 {
		c.state.Store(int32(StateIdle))
		c.log.Infof("core %d has nothing to do", c.id)
		return
	}

	c.log.Infof("entering main loop on core %d", c.id)
	for _, q := range c.rx {
		c.log.Infof(" -- core=%d port=%d", c.id, q.port)
	}

	c.start()
	for {
		c.iterate()
		if c.stop.IsSet() {
			break
		}
	}
	c.shutdown()
	c.log.Infof("core %d stopped", c.id)
}

func (c *Core) start() {
	c.state.Store(int32(StatePolling))
	// Drain on the first iteration.
	c.prevDrain = c.now() - c.cfg.DrainInterval
	c.reportTimer = 0
}

// iterate runs one loop iteration: the drain check followed by one poll
// of every ingress port.
func (c *Core) iterate() {
	now := c.now()
	if elapsed := now - c.prevDrain; elapsed >= c.cfg.DrainInterval {
		c.state.Store(int32(StateDraining))
		c.flushAll()
		if c.reporter != nil && c.cfg.ReportPeriod > 0 {
			c.reportTimer += elapsed
			if c.reportTimer >= c.cfg.ReportPeriod {
				c.reporter.Report(time.Unix(0, c.wall()))
				c.reportTimer = 0
			}
		}
		c.prevDrain = now
		c.state.Store(int32(StatePolling))
	}

	for i := range c.rx {
		c.poll(&c.rx[i])
	}
}

func (c *Core) poll(q *rxQueue) {
	frames := c.tr.Receive(q.port, c.burst)
	q.stats.RecordBurst(len(frames))
	if len(frames) == 0 {
		return
	}

	recv := c.wall()
	for i := range frames {
		data := frames[i].Data
		if lat, ok := tstamp.Latency(data, recv); ok {
			q.stats.RecordReceive(len(data), lat, recv)
			c.lat.Add(lat)
		} else {
			q.stats.RecordUntimed(len(data))
		}
	}
	q.stats.RecordIdentity(c.insp.inspect(frames[len(frames)-1].Data))

	if c.cfg.Mode == ModeLatency {
		c.tr.Free(frames)
		clear(frames)
		return
	}
	for i := range frames {
		if c.cfg.MACRewrite {
			dataplane.RewriteMAC(frames[i].Data, q.dst.Port(), q.dstMAC)
		}
		q.dst.Enqueue(frames[i])
	}
	clear(frames)
}

func (c *Core) flushAll() {
	for _, b := range c.egress {
		b.Flush()
	}
}

func (c *Core) shutdown() {
	c.state.Store(int32(StateShuttingDown))
	c.flushAll()
	c.state.Store(int32(StateStopped))
}
