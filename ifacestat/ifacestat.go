// Package ifacestat reads NIC hardware counters and link state.
package ifacestat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/safchain/ethtool"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
	RxMissed
)

// AllCounters lists every known counter.
var AllCounters = []Counter{TxPackets, TxBytes, RxPackets, RxBytes, RxMissed}

// names returns the ethtool -S keys of c, most specific first.
// Drivers differ; mlx5 exposes port level *_phy counters.
func (c Counter) names() []string {
	switch c {
	case TxPackets:
		return []string{"tx_packets_phy", "tx_packets"}
	case TxBytes:
		return []string{"tx_bytes_phy", "tx_bytes"}
	case RxPackets:
		return []string{"rx_packets_phy", "rx_packets"}
	case RxBytes:
		return []string{"rx_bytes_phy", "rx_bytes"}
	case RxMissed:
		return []string{"rx_out_of_buffer", "rx_missed_errors", "rx_missed"}
	}
	return nil
}

func (c Counter) String() string {
	if n := c.names(); len(n) > 0 {
		return n[len(n)-1]
	}
	return fmt.Sprintf("Counter(%d)", int(c))
}

// Reader returns the driver statistics of an interface, keyed by name.
type Reader interface {
	Stats(iface string) (map[string]uint64, error)
}

// Ethtool reads driver statistics through the ethtool ioctl.
type Ethtool struct{ e *ethtool.Ethtool }

// NewEthtool opens an ethtool handle.
func NewEthtool() (*Ethtool, error) {
	e, err := ethtool.NewEthtool()
	if err != nil {
		return nil, fmt.Errorf("opening ethtool: %w", err)
	}
	return &Ethtool{e: e}, nil
}

func (e *Ethtool) Stats(iface string) (map[string]uint64, error) { return e.e.Stats(iface) }

func (e *Ethtool) Close() { e.e.Close() }

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Snapshot reads counters of all interfaces.
// Counters the driver doesn't expose read as zero.
func Snapshot(r Reader, ifaces []string, counters ...Counter) (Stats, error) {
	s := make(Stats, len(ifaces))
	for _, iface := range ifaces {
		all, err := r.Stats(iface)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		vals := make(IfaceStats, len(counters))
		for _, ctr := range counters {
			vals[ctr] = 0
			for _, name := range ctr.names() {
				if v, ok := all[name]; ok {
					vals[ctr] = v
					break
				}
			}
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

// Print writes s sorted by interface name. aliases optionally label
// interfaces, e.g. with their port id.
func Print(w io.Writer, s Stats, aliases map[string]string) {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]
		if alias, ok := aliases[iface]; ok {
			fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			fmt.Fprintf(w, "%s:\n", iface)
		}

		txBytes, rxBytes := stats[TxBytes], stats[RxBytes]
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			stats[TxPackets], humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			stats[RxPackets], humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)
		if missed, ok := stats[RxMissed]; ok {
			fmt.Fprintf(w, "  RX missed %d\n", missed)
		}
	}
}
