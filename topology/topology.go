// Package topology builds the static forwarding topology: which egress port
// each ingress port forwards to and which core polls which ports.
package topology

import (
	"fmt"
	"slices"

	"github.com/romshark/afxdp-l2fwd/dataplane"
)

// Pair is a bidirectional port pairing: A forwards to B and B to A.
// A == B is a self-loop.
type Pair struct {
	A, B dataplane.PortID
}

func (p Pair) String() string { return fmt.Sprintf("(%d,%d)", p.A, p.B) }

// Assignment maps every forwarding port to its egress port.
// It is immutable once built.
type Assignment struct {
	ports  []dataplane.PortID
	egress map[dataplane.PortID]dataplane.PortID

	// Warnings lists non-fatal observations made while building,
	// e.g. an odd port count forcing a self-loop.
	Warnings []string
}

// Build derives the assignment from the enabled ports and an optional
// explicit pair list.
//
// With pairs, every referenced port must be enabled and may appear in at
// most one pair; enabled ports not referenced by any pair are excluded from
// forwarding. Without pairs, enabled ports are paired consecutively in
// ascending order and an odd leftover port forwards to itself.
//
// Build never mutates its inputs and returns nil on error.
func Build(enabled []dataplane.PortID, pairs []Pair) (*Assignment, error) {
	ports := slices.Clone(enabled)
	slices.Sort(ports)
	ports = slices.Compact(ports)
	if len(ports) == 0 {
		return nil, dataplane.ConfigErrorf("no ports enabled")
	}
	for _, p := range ports {
		if p >= dataplane.MaxPorts {
			return nil, dataplane.ConfigErrorf("port %d exceeds maximum port id %d", p, dataplane.MaxPorts-1)
		}
	}

	a := &Assignment{egress: make(map[dataplane.PortID]dataplane.PortID, len(ports))}
	if len(pairs) > 0 {
		if err := a.fromPairs(ports, pairs); err != nil {
			return nil, err
		}
		return a, nil
	}

	for i := 0; i+1 < len(ports); i += 2 {
		a.link(ports[i], ports[i+1])
	}
	if len(ports)%2 == 1 {
		last := ports[len(ports)-1]
		a.link(last, last)
		a.Warnings = append(a.Warnings, fmt.Sprintf(
			"odd number of ports in portmask: port %d forwards to itself", last,
		))
	}
	a.ports = ports
	return a, nil
}

func (a *Assignment) fromPairs(enabled []dataplane.PortID, pairs []Pair) error {
	used := make(map[dataplane.PortID]struct{}, 2*len(pairs))
	for _, pr := range pairs {
		inPair := [2]dataplane.PortID{pr.A, pr.B}
		for _, p := range inPair {
			if _, ok := slices.BinarySearch(enabled, p); !ok {
				return dataplane.ConfigErrorf("port %d is used in portmap %s but not enabled", p, pr)
			}
			if _, ok := used[p]; ok {
				return dataplane.ConfigErrorf("port %d is used in more than one pair", p)
			}
		}
		used[pr.A], used[pr.B] = struct{}{}, struct{}{}
		a.link(pr.A, pr.B)
	}

	for _, p := range enabled {
		if _, ok := used[p]; ok {
			a.ports = append(a.ports, p)
			continue
		}
		a.Warnings = append(a.Warnings, fmt.Sprintf(
			"port %d is enabled but not part of any pair: ignored", p,
		))
	}
	return nil
}

func (a *Assignment) link(x, y dataplane.PortID) {
	a.egress[x] = y
	a.egress[y] = x
}

// Ports returns the forwarding ports in ascending order.
func (a *Assignment) Ports() []dataplane.PortID { return slices.Clone(a.ports) }

// Len returns the number of forwarding ports.
func (a *Assignment) Len() int { return len(a.ports) }

// Egress returns the port frames received on ingress are forwarded to.
func (a *Assignment) Egress(ingress dataplane.PortID) (dataplane.PortID, bool) {
	p, ok := a.egress[ingress]
	return p, ok
}
