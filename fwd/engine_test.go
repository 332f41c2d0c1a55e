package fwd_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/fwd"
	"github.com/romshark/afxdp-l2fwd/fwd/fwdtest"
	"github.com/romshark/afxdp-l2fwd/stats"
	"github.com/romshark/afxdp-l2fwd/topology"
	"github.com/romshark/afxdp-l2fwd/tstamp"
)

func buildEngine(t *testing.T, tr dataplane.Transport, nPorts int, cores []int, perCore int) (*fwd.Engine, *stats.Table) {
	t.Helper()
	var (
		ids   []dataplane.PortID
		ports []dataplane.Port
	)
	for i := range nPorts {
		id := dataplane.PortID(i)
		ids = append(ids, id)
		ports = append(ports, dataplane.Port{
			ID:      id,
			MAC:     net.HardwareAddr{0x02, 0xcc, 0, 0, 0, byte(i)},
			Enabled: true,
		})
	}
	topo, err := topology.Build(ids, nil)
	require.NoError(t, err)
	ca, err := topology.AssignCores(topo.Ports(), cores, perCore)
	require.NoError(t, err)

	table := stats.NewTable(topo.Ports())
	e, err := fwd.Build(fwd.DefaultConfig(), fwd.Plan{Ports: ports, Topology: topo, Cores: ca}, tr, table)
	require.NoError(t, err)
	return e, table
}

func TestRunStopsOnCancel(t *testing.T) {
	tr := fwdtest.New()
	// Core 2 gets no ports.
	e, table := buildEngine(t, tr, 4, []int{0, 1, 2}, 2)

	for range 500 {
		for p := range dataplane.PortID(4) {
			tr.Inject(p, fwdtest.ProbeFrame(fwdtest.Probe{SendTime: tstamp.Now(), Size: 64}))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return table.Snapshot().Totals.Rx > 0
	}, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cores did not stop")
	}

	cores := e.Cores()
	assert.Equal(t, fwd.StateStopped, cores[0].State())
	assert.Equal(t, fwd.StateStopped, cores[1].State())
	assert.Equal(t, fwd.StateIdle, cores[2].State())
	assert.True(t, e.Stopping())

	// Every received frame was transmitted or freed.
	assert.Zero(t, tr.Outstanding())
	tot := table.Snapshot().Totals
	assert.Equal(t, tot.Rx, tot.Tx+tot.Dropped)
}

type panickingTransport struct{ *fwdtest.Transport }

func (panickingTransport) Receive(dataplane.PortID, []dataplane.Frame) []dataplane.Frame {
	panic("device gone")
}

func TestRunReportsPanics(t *testing.T) {
	e, _ := buildEngine(t, panickingTransport{fwdtest.New()}, 2, []int{0}, 2)

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device gone")
	assert.True(t, e.Stopping())
}

func TestAvailableCPUs(t *testing.T) {
	cpus, err := fwd.AvailableCPUs()
	require.NoError(t, err)
	assert.NotEmpty(t, cpus)
	assert.IsIncreasing(t, cpus)
}
