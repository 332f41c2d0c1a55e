package fwd

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/afxdp-l2fwd/stats"
)

// inspector decodes the addressing of a frame without allocating.
// Not safe for concurrent use.
type inspector struct {
	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	decoded []gopacket.LayerType
	id      stats.Identity
}

func newInspector() *inspector {
	in := &inspector{decoded: make([]gopacket.LayerType, 0, 4)}
	in.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet, &in.eth, &in.dot1q, &in.ip4,
	)
	in.parser.IgnoreUnsupported = true
	return in
}

// inspect returns the identity of frame. The result is reused by the
// next call.
func (in *inspector) inspect(frame []byte) *stats.Identity {
	in.id = stats.Identity{FrameLen: uint32(len(frame))}
	// Truncated or malformed upper layers still leave the decoded prefix.
	_ = in.parser.DecodeLayers(frame, &in.decoded)

	for _, typ := range in.decoded {
		switch typ {
		case layers.LayerTypeEthernet:
			copy(in.id.SrcMAC[:], in.eth.SrcMAC)
			copy(in.id.DstMAC[:], in.eth.DstMAC)
			in.id.EtherType = uint16(in.eth.EthernetType)
		case layers.LayerTypeDot1Q:
			in.id.Tagged = true
			in.id.VLANID = in.dot1q.VLANIdentifier
			in.id.VLANPriority = in.dot1q.Priority
		case layers.LayerTypeIPv4:
			in.id.HasIPv4 = true
			copy(in.id.SrcIP[:], in.ip4.SrcIP)
			copy(in.id.DstIP[:], in.ip4.DstIP)
			in.id.IPProto = uint8(in.ip4.Protocol)
		}
	}
	return &in.id
}
