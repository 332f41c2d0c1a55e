package tstamp

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ProbeEtherType is the EtherType of latency probe frames
// (IEEE local experimental EtherType 2).
const ProbeEtherType = layers.EthernetType(0x88b5)

// ProbeTemplate serializes a probe frame of size bytes from src to dst with
// a zero header. Frames shorter than the Ethernet minimum are padded.
// Callers stamp copies of the template with Put.
func ProbeTemplate(src, dst net.HardwareAddr, size int) ([]byte, error) {
	eth := layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: ProbeEtherType}
	payload := make([]byte, max(size-Offset, Len))

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&eth, gopacket.Payload(payload),
	); err != nil {
		return nil, fmt.Errorf("serializing probe frame: %w", err)
	}
	return buf.Bytes(), nil
}
