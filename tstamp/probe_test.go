package tstamp_test

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/afxdp-l2fwd/tstamp"
)

func TestProbeTemplate(t *testing.T) {
	src := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dst := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}

	b, err := tstamp.ProbeTemplate(src, dst, 20)
	require.NoError(t, err)
	assert.Len(t, b, 60, "padded to the Ethernet minimum")

	b, err = tstamp.ProbeTemplate(src, dst, 128)
	require.NoError(t, err)
	require.Len(t, b, 128)

	require.NoError(t, tstamp.Put(b, tstamp.Header{SendTime: 42, Seq: 7}))
	h, ok := tstamp.Read(b)
	require.True(t, ok)
	assert.Equal(t, tstamp.Header{SendTime: 42, Seq: 7}, h)

	pkt := gopacket.NewPacket(b, layers.LayerTypeEthernet, gopacket.Default)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.True(t, ok)
	assert.Equal(t, tstamp.ProbeEtherType, eth.EthernetType)
	assert.Equal(t, src, eth.SrcMAC)
	assert.Equal(t, dst, eth.DstMAC)
}
