package stats

import (
	"fmt"
	"net"
	"net/netip"
)

// Identity describes the most recently inspected frame of a port.
type Identity struct {
	SrcMAC, DstMAC [6]byte
	EtherType      uint16

	Tagged       bool
	VLANID       uint16
	VLANPriority uint8

	HasIPv4      bool
	SrcIP, DstIP [4]byte
	IPProto      uint8

	FrameLen uint32
}

// SrcHardwareAddr returns SrcMAC as a net.HardwareAddr.
func (i Identity) SrcHardwareAddr() net.HardwareAddr { return net.HardwareAddr(i.SrcMAC[:]) }

// DstHardwareAddr returns DstMAC as a net.HardwareAddr.
func (i Identity) DstHardwareAddr() net.HardwareAddr { return net.HardwareAddr(i.DstMAC[:]) }

// SrcAddr returns the IPv4 source address, invalid if none was seen.
func (i Identity) SrcAddr() netip.Addr {
	if !i.HasIPv4 {
		return netip.Addr{}
	}
	return netip.AddrFrom4(i.SrcIP)
}

// DstAddr returns the IPv4 destination address, invalid if none was seen.
func (i Identity) DstAddr() netip.Addr {
	if !i.HasIPv4 {
		return netip.Addr{}
	}
	return netip.AddrFrom4(i.DstIP)
}

func (i Identity) String() string {
	return fmt.Sprintf("%s > %s type 0x%04x len %d",
		i.SrcHardwareAddr(), i.DstHardwareAddr(), i.EtherType, i.FrameLen)
}

const (
	l2Tagged  = 1 << 31
	l3HasIPv4 = 1 << 8
)

// RecordIdentity stores id as the port's most recent frame identity.
// Written by the receiving core only.
func (p *Port) RecordIdentity(id *Identity) {
	p.srcMAC.Store(packMAC(id.SrcMAC))
	p.dstMAC.Store(packMAC(id.DstMAC))

	l2 := uint64(id.EtherType) | uint64(id.VLANID&0x0fff)<<16 | uint64(id.VLANPriority&0x7)<<28
	if id.Tagged {
		l2 |= l2Tagged
	}
	p.l2.Store(l2)

	var l3 uint64
	if id.HasIPv4 {
		l3 = uint64(id.IPProto) | l3HasIPv4
		p.ipv4.Store(uint64(pack4(id.SrcIP))<<32 | uint64(pack4(id.DstIP)))
	}
	p.l3.Store(l3)
	p.frameLen.Store(id.FrameLen)
}

func (p *Port) identity() Identity {
	var id Identity
	id.SrcMAC = unpackMAC(p.srcMAC.Load())
	id.DstMAC = unpackMAC(p.dstMAC.Load())

	l2 := p.l2.Load()
	id.EtherType = uint16(l2)
	id.VLANID = uint16(l2>>16) & 0x0fff
	id.VLANPriority = uint8(l2>>28) & 0x7
	id.Tagged = l2&l2Tagged != 0

	l3 := p.l3.Load()
	if l3&l3HasIPv4 != 0 {
		id.HasIPv4 = true
		id.IPProto = uint8(l3)
		v4 := p.ipv4.Load()
		id.SrcIP = unpack4(uint32(v4 >> 32))
		id.DstIP = unpack4(uint32(v4))
	}
	id.FrameLen = p.frameLen.Load()
	return id
}

func packMAC(m [6]byte) uint64 {
	var v uint64
	for _, b := range m {
		v = v<<8 | uint64(b)
	}
	return v
}

func unpackMAC(v uint64) (m [6]byte) {
	for i := 5; i >= 0; i-- {
		m[i] = byte(v)
		v >>= 8
	}
	return m
}

func pack4(a [4]byte) uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

func unpack4(v uint32) [4]byte {
	return [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
