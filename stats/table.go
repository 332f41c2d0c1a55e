package stats

import (
	"slices"
	"time"

	"github.com/romshark/afxdp-l2fwd/dataplane"
)

// Table owns the counters of all forwarding ports and the latency
// accumulators of all cores.
type Table struct {
	ports []*Port
	byID  [dataplane.MaxPorts]*Port
	cores []*CoreLatency
}

// NewTable allocates counters for ports.
func NewTable(ports []dataplane.PortID) *Table {
	ids := slices.Clone(ports)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	t := &Table{ports: make([]*Port, 0, len(ids))}
	for _, id := range ids {
		if int(id) >= len(t.byID) {
			continue
		}
		p := &Port{id: id}
		t.ports = append(t.ports, p)
		t.byID[id] = p
	}
	return t
}

// Port returns the counters of id or nil if id isn't in the table.
func (t *Table) Port(id dataplane.PortID) *Port {
	if int(id) >= len(t.byID) {
		return nil
	}
	return t.byID[id]
}

// Ports returns the port IDs in ascending order.
func (t *Table) Ports() []dataplane.PortID {
	ids := make([]dataplane.PortID, len(t.ports))
	for i, p := range t.ports {
		ids[i] = p.id
	}
	return ids
}

// NewCore registers a latency accumulator for a core.
// Must be called before forwarding starts.
func (t *Table) NewCore() *CoreLatency {
	c := new(CoreLatency)
	t.cores = append(t.cores, c)
	return c
}

// Snapshot is a point-in-time copy of a Table.
type Snapshot struct {
	Ports  []PortSnapshot
	Totals Totals
}

// Totals aggregates all ports.
type Totals struct {
	Rx, Tx, Dropped  uint64
	RxBytes, TxBytes uint64
	TimestampErrors  uint64

	// LatencySamples and LatencySum merge all core accumulators.
	LatencySamples uint64
	LatencySum     time.Duration
	MeanLatency    time.Duration
}

// Snapshot copies all counters without blocking writers.
func (t *Table) Snapshot() Snapshot {
	s := Snapshot{Ports: make([]PortSnapshot, len(t.ports))}
	for i, p := range t.ports {
		ps := p.Snapshot()
		s.Ports[i] = ps
		s.Totals.Rx += ps.Rx
		s.Totals.Tx += ps.Tx
		s.Totals.Dropped += ps.Dropped
		s.Totals.RxBytes += ps.RxBytes
		s.Totals.TxBytes += ps.TxBytes
		s.Totals.TimestampErrors += ps.TimestampErrors
	}
	for _, c := range t.cores {
		sum, n := c.Load()
		s.Totals.LatencySum += sum
		s.Totals.LatencySamples += n
	}
	if s.Totals.LatencySamples > 0 {
		s.Totals.MeanLatency = s.Totals.LatencySum / time.Duration(s.Totals.LatencySamples)
	}
	return s
}
