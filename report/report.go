// Package report renders forwarding statistics as human readable text.
package report

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/stats"
)

const clearScreen = "\033[2J\033[1;1H"

// Task periodically prints a statistics table.
// Report must not be called concurrently.
type Task struct {
	w       io.Writer
	table   *stats.Table
	ports   map[dataplane.PortID]dataplane.Port
	devices dataplane.DeviceCounterSource
	clear   bool
	start   time.Time
	log     *zap.SugaredLogger

	prev   stats.Snapshot
	prevAt time.Time
	buf    bytes.Buffer
}

// Option configures a Task.
type Option func(*Task)

// WithDevices refreshes device counters from src before every report.
func WithDevices(src dataplane.DeviceCounterSource) Option {
	return func(t *Task) { t.devices = src }
}

// WithClearScreen clears the terminal before every report.
func WithClearScreen(enable bool) Option {
	return func(t *Task) { t.clear = enable }
}

// WithStart sets the time elapsed time is measured from.
func WithStart(start time.Time) Option {
	return func(t *Task) { t.start = start }
}

// WithLog sets the logger for device counter errors.
func WithLog(log *zap.SugaredLogger) Option {
	return func(t *Task) { t.log = log }
}

// New creates a Task writing to w.
func New(w io.Writer, table *stats.Table, ports []dataplane.Port, opts ...Option) *Task {
	t := &Task{
		w:     w,
		table: table,
		ports: make(map[dataplane.PortID]dataplane.Port, len(ports)),
		start: time.Now(),
		log:   zap.NewNop().Sugar(),
	}
	for _, p := range ports {
		t.ports[p.ID] = p
	}
	for _, opt := range opts {
		opt(t)
	}
	t.prevAt = t.start
	return t
}

// Refresh pulls device counters into the table.
func (t *Task) Refresh() {
	if t.devices == nil {
		return
	}
	for _, id := range t.table.Ports() {
		c, err := t.devices.DeviceCounters(id)
		if err != nil {
			t.log.Debugw("failed to read device counters", zap.Uint16("port", uint16(id)), zap.Error(err))
			continue
		}
		t.table.Port(id).SetDeviceCounters(c)
	}
}

// Report prints the current statistics.
func (t *Task) Report(now time.Time) {
	t.Refresh()
	s := t.table.Snapshot()

	t.buf.Reset()
	if t.clear {
		t.buf.WriteString(clearScreen)
	}
	Format(&t.buf, Frame{
		Snapshot: s,
		Previous: &t.prev,
		Interval: now.Sub(t.prevAt),
		Elapsed:  now.Sub(t.start),
		Ports:    t.ports,
	})
	_, _ = t.w.Write(t.buf.Bytes())

	t.prev, t.prevAt = s, now
}

// Final prints the statistics at shutdown.
func (t *Task) Final(now time.Time) {
	t.Refresh()
	s := t.table.Snapshot()

	t.buf.Reset()
	Format(&t.buf, Frame{
		Snapshot: s,
		Previous: &t.prev,
		Interval: now.Sub(t.prevAt),
		Elapsed:  now.Sub(t.start),
		Ports:    t.ports,
	})
	FormatSummary(&t.buf, s, now.Sub(t.start))
	_, _ = t.w.Write(t.buf.Bytes())
}

// Frame is the input of one rendered report.
type Frame struct {
	Snapshot stats.Snapshot
	// Previous is the snapshot rates are computed against. Optional.
	Previous *stats.Snapshot
	Interval time.Duration
	Elapsed  time.Duration
	Ports    map[dataplane.PortID]dataplane.Port
}

// Format renders f. The output depends on f only.
func Format(w io.Writer, f Frame) {
	p := message.NewPrinter(language.English)
	line := func(label, format string, args ...any) {
		p.Fprintf(w, "%-24s", label+":")
		p.Fprintf(w, format, args...)
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Port statistics ====================================")
	for i, ps := range f.Snapshot.Ports {
		var prev *stats.PortSnapshot
		if f.Previous != nil && i < len(f.Previous.Ports) && f.Previous.Ports[i].ID == ps.ID {
			prev = &f.Previous.Ports[i]
		}
		port := f.Ports[ps.ID]

		if port.Name != "" {
			fmt.Fprintf(w, "Statistics for port %d (%s) ------------------\n", ps.ID, port.Name)
		} else {
			fmt.Fprintf(w, "Statistics for port %d ------------------------------\n", ps.ID)
		}
		line("MAC address", "%s", orDash(port.MAC.String()))
		line("Packets Tx/Rx", "%d / %d", ps.Tx, ps.Rx)
		line("Packets dropped", "%d", ps.Dropped)
		line("Bursts Tx/Rx", "%d / %d", ps.TxBurst, ps.RxBurst)
		line("Bytes Tx/Rx", "%s / %s", humanize.Bytes(ps.TxBytes), humanize.Bytes(ps.RxBytes))
		line("Errors Tx/Rx", "%d / %d", ps.TxError, ps.RxError)
		line("Rx no buffer", "%d", ps.RxNoMbuf)
		if prev != nil && f.Interval > 0 {
			line("Packets/s Tx/Rx", "%d / %d",
				rate(ps.Tx, prev.Tx, f.Interval), rate(ps.Rx, prev.Rx, f.Interval))
		}

		id := ps.Identity
		if id.FrameLen > 0 {
			line("Src/Dst MAC", "%s / %s", id.SrcHardwareAddr(), id.DstHardwareAddr())
			line("Ether type", "0x%04x", id.EtherType)
			if id.Tagged {
				line("VLAN id/priority", "%d / %d", id.VLANID, id.VLANPriority)
			}
			line("Frame length", "%d", id.FrameLen)
			if id.HasIPv4 {
				line("IPv4 src/dst", "%s / %s", id.SrcAddr(), id.DstAddr())
				line("IP protocol", "%d", id.IPProto)
			}
		}
		line("Latency mean", "%s", ps.MeanLatency)
		line("Jitter", "%s", ps.Jitter)
		line("Last rx timestamp", "%s", formatUnixNano(ps.LastReceive))
		line("Timestamp errors", "%d", ps.TimestampErrors)
	}

	tot := f.Snapshot.Totals
	fmt.Fprintln(w, "Aggregate statistics ===============================")
	line("Elapsed", "%s", f.Elapsed.Truncate(time.Millisecond))
	line("Total packets sent", "%d", tot.Tx)
	line("Total packets received", "%d", tot.Rx)
	line("Total packets dropped", "%d", tot.Dropped)
	line("Total bytes Tx/Rx", "%s / %s", humanize.Bytes(tot.TxBytes), humanize.Bytes(tot.RxBytes))
	line("Mean latency", "%s (%d samples)", tot.MeanLatency, tot.LatencySamples)
	line("Timestamp errors", "%d", tot.TimestampErrors)
	fmt.Fprintln(w, "====================================================")
}

// FormatSummary renders a one paragraph run summary.
func FormatSummary(w io.Writer, s stats.Snapshot, elapsed time.Duration) {
	p := message.NewPrinter(language.English)
	secs := elapsed.Seconds()
	var rxPPS, txPPS float64
	if secs > 0 {
		rxPPS = float64(s.Totals.Rx) / secs
		txPPS = float64(s.Totals.Tx) / secs
	}

	fmt.Fprintln(w, "Final report:")
	p.Fprintf(w, "  Duration:   %s\n", elapsed.Truncate(time.Millisecond))
	p.Fprintf(w, "  Received:   %d packets (%.0f pps, %s)\n",
		s.Totals.Rx, rxPPS, humanize.Bytes(s.Totals.RxBytes))
	p.Fprintf(w, "  Forwarded:  %d packets (%.0f pps, %s)\n",
		s.Totals.Tx, txPPS, humanize.Bytes(s.Totals.TxBytes))
	p.Fprintf(w, "  Dropped:    %d packets\n", s.Totals.Dropped)
	if s.Totals.Rx > 0 {
		p.Fprintf(w, "  Loss:       %.4f%%\n", float64(s.Totals.Dropped)/float64(s.Totals.Rx)*100)
	}
	p.Fprintf(w, "  Latency:    %s mean over %d samples\n", s.Totals.MeanLatency, s.Totals.LatencySamples)
}

func rate(cur, prev uint64, interval time.Duration) uint64 {
	if cur < prev || interval <= 0 {
		return 0
	}
	return uint64(float64(cur-prev) / interval.Seconds())
}

func formatUnixNano(ns int64) string {
	if ns == 0 {
		return "-"
	}
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
