package dataplane

import "net"

// Ethernet header layout.
const (
	EthHeaderLen = 14
	ethDstOff    = 0
	ethSrcOff    = 6
)

// SyntheticMAC returns the locally administered destination address
// 02:00:00:00:00:<id> written by RewriteMAC for egress port id.
func SyntheticMAC(id PortID) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0, 0, 0, 0, byte(id)}
}

// RewriteMAC sets the destination address of frame to the synthetic address
// of egress and the source address to egressMAC.
// Frames shorter than an Ethernet header are left untouched.
func RewriteMAC(frame []byte, egress PortID, egressMAC net.HardwareAddr) {
	if len(frame) < EthHeaderLen {
		return
	}
	frame[ethDstOff] = 0x02
	frame[ethDstOff+1] = 0
	frame[ethDstOff+2] = 0
	frame[ethDstOff+3] = 0
	frame[ethDstOff+4] = 0
	frame[ethDstOff+5] = byte(egress)
	copy(frame[ethSrcOff:ethSrcOff+6], egressMAC)
}
