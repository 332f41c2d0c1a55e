package topology

import (
	"strconv"
	"strings"

	"github.com/romshark/afxdp-l2fwd/dataplane"
)

// ParsePortMask parses a hexadecimal port mask such as "0x3" or "f"
// into the list of enabled ports in ascending order.
func ParsePortMask(s string) ([]dataplane.PortID, error) {
	s = strings.TrimSpace(s)
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if h == "" {
		return nil, dataplane.ConfigErrorf("empty portmask")
	}
	mask, err := strconv.ParseUint(h, 16, 64)
	if err != nil {
		return nil, dataplane.ConfigErrorf("invalid portmask %q", s)
	}
	if mask == 0 {
		return nil, dataplane.ConfigErrorf("portmask %q enables no ports", s)
	}
	if mask>>dataplane.MaxPorts != 0 {
		return nil, dataplane.ConfigErrorf(
			"portmask %q exceeds %d ports", s, dataplane.MaxPorts,
		)
	}
	var ports []dataplane.PortID
	for i := range dataplane.MaxPorts {
		if mask&(1<<i) != 0 {
			ports = append(ports, dataplane.PortID(i))
		}
	}
	return ports, nil
}

// ParsePairs parses a port pair list of the form "(0,1)(2,3)".
// Numbers may use any Go integer literal prefix (0x, 0o, 0b).
func ParsePairs(s string) ([]Pair, error) {
	rest := strings.TrimSpace(s)
	if rest == "" {
		return nil, dataplane.ConfigErrorf("empty portmap")
	}

	var pairs []Pair
	for rest != "" {
		if rest[0] != '(' {
			return nil, dataplane.ConfigErrorf("invalid portmap %q: expected '('", s)
		}
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			return nil, dataplane.ConfigErrorf("invalid portmap %q: missing ')'", s)
		}
		fields := strings.Split(rest[1:end], ",")
		if len(fields) != 2 {
			return nil, dataplane.ConfigErrorf(
				"invalid portmap %q: pair %q must have exactly two ports", s, rest[:end+1],
			)
		}
		var ids [2]dataplane.PortID
		for i, f := range fields {
			v, err := strconv.ParseUint(strings.TrimSpace(f), 0, 32)
			if err != nil || v >= dataplane.MaxPorts {
				return nil, dataplane.ConfigErrorf(
					"invalid portmap %q: bad port %q", s, strings.TrimSpace(f),
				)
			}
			ids[i] = dataplane.PortID(v)
		}
		pairs = append(pairs, Pair{A: ids[0], B: ids[1]})
		if len(pairs) > dataplane.MaxPorts/2 {
			return nil, dataplane.ConfigErrorf(
				"invalid portmap %q: more than %d pairs", s, dataplane.MaxPorts/2,
			)
		}
		rest = strings.TrimSpace(rest[end+1:])
	}
	return pairs, nil
}
