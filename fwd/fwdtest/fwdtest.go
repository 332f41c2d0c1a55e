// Package fwdtest provides an in-memory NIC transport and frame builders
// for testing the forwarding pipeline without hardware.
package fwdtest

import (
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/tstamp"
)

// ProbeEtherType is the EtherType of latency probe frames.
const ProbeEtherType = tstamp.ProbeEtherType

// Transport is a dataplane.Transport backed by in-memory queues.
// It's safe for concurrent use.
type Transport struct {
	mu       sync.Mutex
	nextRef  uint64
	rx       map[dataplane.PortID][]dataplane.Frame
	accept   map[dataplane.PortID]int
	sent     map[dataplane.PortID][][]byte
	calls    map[dataplane.PortID][]int
	live     map[uint64]struct{}
	freed    int
	counters map[dataplane.PortID]dataplane.DeviceCounters
}

var (
	_ dataplane.Transport           = (*Transport)(nil)
	_ dataplane.DeviceCounterSource = (*Transport)(nil)
)

// New creates an empty transport accepting every transmitted frame.
func New() *Transport {
	return &Transport{
		rx:       make(map[dataplane.PortID][]dataplane.Frame),
		accept:   make(map[dataplane.PortID]int),
		sent:     make(map[dataplane.PortID][][]byte),
		calls:    make(map[dataplane.PortID][]int),
		live:     make(map[uint64]struct{}),
		counters: make(map[dataplane.PortID]dataplane.DeviceCounters),
	}
}

// Inject queues frames for reception on port.
func (t *Transport) Inject(port dataplane.PortID, frames ...[]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range frames {
		t.nextRef++
		t.rx[port] = append(t.rx[port], dataplane.Frame{
			Data: append([]byte(nil), b...),
			Port: port,
			Ref:  t.nextRef,
		})
	}
}

// SetAccept limits how many frames a single Transmit call to port accepts.
// A negative limit restores unlimited acceptance.
func (t *Transport) SetAccept(port dataplane.PortID, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 0 {
		delete(t.accept, port)
		return
	}
	t.accept[port] = n
}

// SetDeviceCounters sets the counters reported for port.
func (t *Transport) SetDeviceCounters(port dataplane.PortID, c dataplane.DeviceCounters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[port] = c
}

func (t *Transport) Receive(port dataplane.PortID, buf []dataplane.Frame) []dataplane.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.rx[port]
	n := copy(buf, q)
	t.rx[port] = q[n:]
	for _, f := range buf[:n] {
		t.live[f.Ref] = struct{}{}
	}
	return buf[:n]
}

func (t *Transport) Transmit(port dataplane.PortID, frames []dataplane.Frame) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(frames)
	if limit, ok := t.accept[port]; ok && limit < n {
		n = limit
	}
	for _, f := range frames[:n] {
		t.sent[port] = append(t.sent[port], append([]byte(nil), f.Data...))
		delete(t.live, f.Ref)
	}
	t.calls[port] = append(t.calls[port], len(frames))
	return n
}

func (t *Transport) Free(frames []dataplane.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range frames {
		delete(t.live, f.Ref)
	}
	t.freed += len(frames)
}

func (t *Transport) DeviceCounters(port dataplane.PortID) (dataplane.DeviceCounters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[port], nil
}

// Sent returns copies of the frames accepted for port, in order.
func (t *Transport) Sent(port dataplane.PortID) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent[port]...)
}

// Calls returns the batch sizes passed to Transmit for port.
func (t *Transport) Calls(port dataplane.PortID) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.calls[port]...)
}

// Freed returns the number of frames returned through Free.
func (t *Transport) Freed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freed
}

// Pending returns the number of frames still queued for reception on port.
func (t *Transport) Pending(port dataplane.PortID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rx[port])
}

// Outstanding returns the number of received frames that were neither
// transmitted nor freed.
func (t *Transport) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Probe describes a latency probe frame.
type Probe struct {
	Src, Dst net.HardwareAddr
	SendTime int64
	Seq      uint64
	// Size is the total frame length; frames are padded to at least 60 bytes.
	Size int
}

// ProbeFrame serializes p as an Ethernet frame carrying a timestamp header.
func ProbeFrame(p Probe) []byte {
	src, dst := p.Src, p.Dst
	if src == nil {
		src = net.HardwareAddr{0x02, 0xaa, 0, 0, 0, 0x01}
	}
	if dst == nil {
		dst = net.HardwareAddr{0x02, 0xbb, 0, 0, 0, 0x02}
	}
	b, err := tstamp.ProbeTemplate(src, dst, p.Size)
	if err != nil {
		panic(err)
	}
	if err := tstamp.Put(b, tstamp.Header{SendTime: p.SendTime, Seq: p.Seq}); err != nil {
		panic(err)
	}
	return b
}

// UDPFrame serializes an optionally VLAN tagged IPv4/UDP frame.
func UDPFrame(src, dst net.HardwareAddr, vlan uint16, prio uint8, srcIP, dstIP net.IP, payload []byte) []byte {
	eth := layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := layers.UDP{SrcPort: 4000, DstPort: 5000}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		panic(err)
	}

	ls := []gopacket.SerializableLayer{&eth}
	if vlan != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{
			VLANIdentifier: vlan,
			Priority:       prio,
			Type:           layers.EthernetTypeIPv4,
		})
	}
	ls = append(ls, &ip, &udp, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
