package report_test

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/fwd/fwdtest"
	"github.com/romshark/afxdp-l2fwd/report"
	"github.com/romshark/afxdp-l2fwd/stats"
)

var ports = []dataplane.Port{
	{ID: 0, Name: "eth0", MAC: net.HardwareAddr{0xaa, 0, 0, 0, 0, 0}},
	{ID: 1, Name: "eth1", MAC: net.HardwareAddr{0xaa, 0, 0, 0, 0, 1}},
}

func fill(table *stats.Table) {
	for range 1233 {
		table.Port(0).RecordReceive(64, int64(2*time.Millisecond), 1)
	}
	table.Port(0).RecordReceive(64, int64(2*time.Millisecond), time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixNano())
	table.Port(0).RecordIdentity(&stats.Identity{
		SrcMAC:    [6]byte{0xaa, 0, 0, 0, 0, 1},
		DstMAC:    [6]byte{0xaa, 0, 0, 0, 0, 0},
		EtherType: 0x88b5,
		Tagged:    true,
		VLANID:    7,
		FrameLen:  64,
	})
	table.Port(1).RecordTransmit(1000, 64000)
	table.Port(1).RecordDrop(234)
}

func TestFormatIsDeterministic(t *testing.T) {
	table := stats.NewTable([]dataplane.PortID{0, 1})
	table.NewCore().Add(int64(2 * time.Millisecond))
	fill(table)
	snap := table.Snapshot()

	pm := map[dataplane.PortID]dataplane.Port{0: ports[0], 1: ports[1]}
	render := func() string {
		var b bytes.Buffer
		report.Format(&b, report.Frame{Snapshot: snap, Elapsed: 10 * time.Second, Ports: pm})
		return b.String()
	}
	out := render()
	assert.Equal(t, out, render())

	assert.Contains(t, out, "Statistics for port 0 (eth0)")
	assert.Contains(t, out, "aa:00:00:00:00:00")
	assert.Contains(t, out, "0 / 1,234", "tx/rx with grouping")
	assert.Contains(t, out, "Ether type:             0x88b5")
	assert.Contains(t, out, "VLAN id/priority:       7 / 0")
	assert.Contains(t, out, "Latency mean:           2ms")
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
	assert.Contains(t, out, "Total packets dropped:  234")
	assert.Contains(t, out, "Mean latency:           2ms (1 samples)")
	assert.NotContains(t, out, "Packets/s", "no rates without a previous snapshot")
	assert.NotContains(t, out, "IPv4 src/dst")
}

func TestTaskReportRatesAndDevices(t *testing.T) {
	table := stats.NewTable([]dataplane.PortID{0, 1})
	tr := fwdtest.New()
	tr.SetDeviceCounters(1, dataplane.DeviceCounters{RxError: 5, TxError: 6, RxNoMbuf: 7})

	start := time.Unix(1000, 0)
	var out bytes.Buffer
	task := report.New(&out, table, ports,
		report.WithStart(start),
		report.WithDevices(tr),
		report.WithClearScreen(true),
	)

	task.Report(start.Add(time.Second))
	table.Port(1).RecordTransmit(500, 500*64)
	out.Reset()
	task.Report(start.Add(2 * time.Second))

	s := out.String()
	assert.True(t, strings.HasPrefix(s, "\033[2J\033[1;1H"))
	assert.Contains(t, s, "Packets/s Tx/Rx:        500 / 0")
	assert.Contains(t, s, "Errors Tx/Rx:           6 / 5")
	assert.Contains(t, s, "Rx no buffer:           7")
	assert.Contains(t, s, "Elapsed:                2s")

	snap := table.Snapshot()
	require.Len(t, snap.Ports, 2)
	assert.Equal(t, uint64(7), snap.Ports[1].RxNoMbuf)
}

func TestFinal(t *testing.T) {
	table := stats.NewTable([]dataplane.PortID{0, 1})
	fill(table)
	start := time.Unix(0, 0)

	var out bytes.Buffer
	report.New(&out, table, ports, report.WithStart(start)).Final(start.Add(2 * time.Second))

	s := out.String()
	assert.Contains(t, s, "Final report:")
	assert.Contains(t, s, "Received:   1,234 packets (617 pps")
	assert.Contains(t, s, "Dropped:    234 packets")
	assert.NotContains(t, s, "\033[2J")
}
