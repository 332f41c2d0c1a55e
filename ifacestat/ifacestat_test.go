package ifacestat_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/romshark/afxdp-l2fwd/ifacestat"
)

type fakeReader map[string]map[string]uint64

func (f fakeReader) Stats(iface string) (map[string]uint64, error) {
	s, ok := f[iface]
	if !ok {
		return nil, errors.New("no such device")
	}
	return s, nil
}

func TestSnapshotPrefersPhyCounters(t *testing.T) {
	r := fakeReader{
		"eth0": {"rx_packets_phy": 10, "rx_packets": 7, "tx_packets": 3, "rx_bytes": 640},
	}
	s, err := ifacestat.Snapshot(r, []string{"eth0"}, ifacestat.AllCounters...)
	require.NoError(t, err)

	assert.Equal(t, ifacestat.IfaceStats{
		ifacestat.RxPackets: 10,
		ifacestat.TxPackets: 3,
		ifacestat.RxBytes:   640,
		ifacestat.TxBytes:   0,
		ifacestat.RxMissed:  0,
	}, s["eth0"])

	_, err = ifacestat.Snapshot(r, []string{"eth9"}, ifacestat.RxPackets)
	assert.ErrorContains(t, err, "eth9")
}

func TestSinceAndPrint(t *testing.T) {
	before := ifacestat.Stats{"eth1": {ifacestat.TxPackets: 100, ifacestat.TxBytes: 6400}}
	after := ifacestat.Stats{
		"eth1": {ifacestat.TxPackets: 1100, ifacestat.TxBytes: 1_006_400},
		"eth0": {ifacestat.RxPackets: 5},
	}
	d := after.Since(before)
	assert.Equal(t, uint64(1000), d["eth1"][ifacestat.TxPackets])
	assert.Equal(t, uint64(1_000_000), d["eth1"][ifacestat.TxBytes])
	assert.Equal(t, uint64(5), d["eth0"][ifacestat.RxPackets])

	var b bytes.Buffer
	ifacestat.Print(&b, d, map[string]string{"eth1": "port 1"})
	out := b.String()
	assert.Less(t, bytes.Index(b.Bytes(), []byte("eth0:")), bytes.Index(b.Bytes(), []byte("eth1 (port 1):")))
	assert.Contains(t, out, "1.0 MB (1,000,000)")
	assert.NotContains(t, out, "RX missed")
}

func TestWaitLinksUp(t *testing.T) {
	calls := 0
	state := func(name string) (bool, error) {
		calls++
		return name == "eth0" || calls > 4, nil
	}
	down, err := ifacestat.WaitLinksUp(context.Background(), []string{"eth0", "eth1"}, time.Second, state, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Empty(t, down)
}

func TestWaitLinksUpTimeout(t *testing.T) {
	state := func(name string) (bool, error) { return name != "eth1", nil }
	down, err := ifacestat.WaitLinksUp(context.Background(), []string{"eth0", "eth1"}, 250*time.Millisecond, state, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, []string{"eth1"}, down)
}

func TestWaitLinksUpCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	state := func(string) (bool, error) { return false, nil }
	_, err := ifacestat.WaitLinksUp(ctx, []string{"eth0"}, time.Hour, state, zap.NewNop().Sugar())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitLinksUpLookupError(t *testing.T) {
	state := func(string) (bool, error) { return false, errors.New("no such device") }
	_, err := ifacestat.WaitLinksUp(context.Background(), []string{"eth0"}, time.Second, state, zap.NewNop().Sugar())
	assert.Error(t, err)
}
