// Package stats holds the forwarding counters.
//
// Every counter has exactly one writer: receive-side fields are written by
// the core polling the port, transmit-side fields by the core transmitting to
// it and device counters by the reporting core. Readers take lock-free
// snapshots and tolerate values from slightly different instants.
package stats

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/romshark/afxdp-l2fwd/dataplane"
)

// Port is the counter set of a single port.
type Port struct {
	id dataplane.PortID

	// Receive side.
	rx          atomic.Uint64
	rxBytes     atomic.Uint64
	rxBurst     atomic.Uint64
	latencySum  atomic.Int64
	samples     atomic.Uint64
	meanLatency atomic.Int64
	jitter      atomic.Int64
	lastRecv    atomic.Int64
	tsErrors    atomic.Uint64
	lastLatency int64
	hasLast     bool

	srcMAC   atomic.Uint64
	dstMAC   atomic.Uint64
	l2       atomic.Uint64
	ipv4     atomic.Uint64
	l3       atomic.Uint64
	frameLen atomic.Uint32

	_ cpu.CacheLinePad

	// Transmit side.
	tx      atomic.Uint64
	txBytes atomic.Uint64
	txBurst atomic.Uint64
	dropped atomic.Uint64

	_ cpu.CacheLinePad

	// Device counters.
	rxError  atomic.Uint64
	txError  atomic.Uint64
	rxNoMbuf atomic.Uint64
}

// ID returns the port the counters belong to.
func (p *Port) ID() dataplane.PortID { return p.id }

// RecordReceive accounts one received frame carrying a timestamp.
// latency is in nanoseconds and may be negative when clocks are skewed;
// negative samples are kept and additionally counted as timestamp errors.
// The mean is taken over timed frames only.
func (p *Port) RecordReceive(bytes int, latency int64, recv int64) {
	p.rx.Add(1)
	p.rxBytes.Add(uint64(bytes))
	sum := p.latencySum.Add(latency)
	n := p.samples.Add(1)
	p.meanLatency.Store(sum / int64(n))

	if p.hasLast {
		d := latency - p.lastLatency
		if d < 0 {
			d = -d
		}
		p.jitter.Store(d)
	}
	p.lastLatency, p.hasLast = latency, true
	p.lastRecv.Store(recv)

	if latency < 0 {
		p.tsErrors.Add(1)
	}
}

// RecordUntimed accounts one received frame too short to carry a timestamp.
func (p *Port) RecordUntimed(bytes int) {
	p.rx.Add(1)
	p.rxBytes.Add(uint64(bytes))
	p.tsErrors.Add(1)
}

// RecordBurst stores the size of the most recent receive poll.
func (p *Port) RecordBurst(n int) { p.rxBurst.Store(uint64(n)) }

// RecordTransmit accounts a transmit call that sent frames totalling bytes.
func (p *Port) RecordTransmit(sent int, bytes uint64) {
	p.tx.Add(uint64(sent))
	p.txBytes.Add(bytes)
	p.txBurst.Store(uint64(sent))
}

// RecordDrop accounts n frames the device didn't accept.
func (p *Port) RecordDrop(n int) { p.dropped.Add(uint64(n)) }

// SetDeviceCounters replaces the device maintained counters.
func (p *Port) SetDeviceCounters(c dataplane.DeviceCounters) {
	p.rxError.Store(c.RxError)
	p.txError.Store(c.TxError)
	p.rxNoMbuf.Store(c.RxNoMbuf)
}

// Snapshot copies the counters.
func (p *Port) Snapshot() PortSnapshot {
	return PortSnapshot{
		ID:              p.id,
		Rx:              p.rx.Load(),
		Tx:              p.tx.Load(),
		Dropped:         p.dropped.Load(),
		RxBytes:         p.rxBytes.Load(),
		TxBytes:         p.txBytes.Load(),
		RxError:         p.rxError.Load(),
		TxError:         p.txError.Load(),
		RxBurst:         p.rxBurst.Load(),
		TxBurst:         p.txBurst.Load(),
		RxNoMbuf:        p.rxNoMbuf.Load(),
		LatencySum:      time.Duration(p.latencySum.Load()),
		LatencySamples:  p.samples.Load(),
		MeanLatency:     time.Duration(p.meanLatency.Load()),
		Jitter:          time.Duration(p.jitter.Load()),
		LastReceive:     p.lastRecv.Load(),
		TimestampErrors: p.tsErrors.Load(),
		Identity:        p.identity(),
	}
}

// PortSnapshot is a point-in-time copy of a Port.
type PortSnapshot struct {
	ID dataplane.PortID

	Rx, Tx, Dropped  uint64
	RxBytes, TxBytes uint64
	RxError, TxError uint64
	RxBurst, TxBurst uint64
	RxNoMbuf         uint64

	LatencySum      time.Duration
	LatencySamples  uint64
	MeanLatency     time.Duration
	Jitter          time.Duration
	LastReceive     int64 // Unix ns
	TimestampErrors uint64

	Identity Identity
}

// CoreLatency accumulates the latency samples taken by one core.
type CoreLatency struct {
	sum     atomic.Int64
	samples atomic.Uint64
	_       cpu.CacheLinePad
}

// Add records one latency sample in nanoseconds.
func (c *CoreLatency) Add(latency int64) {
	c.sum.Add(latency)
	c.samples.Add(1)
}

// Load returns the accumulated sum and number of samples.
func (c *CoreLatency) Load() (sum time.Duration, samples uint64) {
	return time.Duration(c.sum.Load()), c.samples.Load()
}
