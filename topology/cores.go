package topology

import (
	"slices"

	"github.com/romshark/afxdp-l2fwd/dataplane"
)

// MaxPortsPerCore bounds the number of ports a single core polls.
const MaxPortsPerCore = 16

// CoreQueue is the ordered list of ports a core polls.
type CoreQueue struct {
	Core  int
	Ports []dataplane.PortID
}

// CoreAssignment maps ports to polling cores.
// Every port appears under exactly one core. Cores that received
// no ports are kept with an empty list.
type CoreAssignment struct {
	Cores []CoreQueue
}

// AssignCores distributes ports in ascending order over cores, filling each
// core with up to perCore ports before moving to the next one.
func AssignCores(ports []dataplane.PortID, cores []int, perCore int) (*CoreAssignment, error) {
	if perCore < 1 || perCore > MaxPortsPerCore {
		return nil, dataplane.ConfigErrorf(
			"ports per core must be within [1,%d], got %d", MaxPortsPerCore, perCore,
		)
	}
	seen := make(map[int]struct{}, len(cores))
	for _, c := range cores {
		if c < 0 {
			return nil, dataplane.ConfigErrorf("invalid core id %d", c)
		}
		if _, ok := seen[c]; ok {
			return nil, dataplane.ConfigErrorf("core %d listed more than once", c)
		}
		seen[c] = struct{}{}
	}

	sorted := slices.Clone(ports)
	slices.Sort(sorted)

	ca := &CoreAssignment{Cores: make([]CoreQueue, len(cores))}
	for i, c := range cores {
		ca.Cores[i].Core = c
	}

	ci := 0
	for _, p := range sorted {
		for ci < len(cores) && len(ca.Cores[ci].Ports) >= perCore {
			ci++
		}
		if ci >= len(cores) {
			return nil, dataplane.ResourceErrorf(
				"not enough cores: %d ports at %d per core need more than %d cores",
				len(sorted), perCore, len(cores),
			)
		}
		ca.Cores[ci].Ports = append(ca.Cores[ci].Ports, p)
	}
	return ca, nil
}

// CoreOf returns the core polling port p.
func (c *CoreAssignment) CoreOf(p dataplane.PortID) (int, bool) {
	for _, q := range c.Cores {
		if slices.Contains(q.Ports, p) {
			return q.Core, true
		}
	}
	return 0, false
}

// ReportingCore returns the first core that polls at least one port.
// That core owns the periodic report.
func (c *CoreAssignment) ReportingCore() (int, bool) {
	for _, q := range c.Cores {
		if len(q.Ports) > 0 {
			return q.Core, true
		}
	}
	return 0, false
}
