//go:build linux

// Package afxdp implements AF_XDP sockets and a frame transport on top of
// them. Interface owns the XDP redirect program. Socket is an AF_XDP
// socket bound to one RX/TX queue with its own UMEM.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to kernel for RX.
//   - TX ring: descriptors userspace sends to NIC.
//   - CQ ring: completed TX buffers returned by kernel.
package afxdp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var (
	ErrEmptyRegion       = errors.New("ring region is empty")
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= TxSize + RxSize")
	ErrNotPowerOfTwo     = errors.New("ring sizes must be powers of two")
	ErrQueueOutOfRange   = fmt.Errorf("queue id must be below %d", MaxQueues)
)

const (
	DefaultNumFrames          = 4096
	DefaultFrameSize          = 2048
	DefaultTxQueueSize        = 2048
	DefaultRxQueueSize        = DefaultTxQueueSize
	DefaultCompletionRingSize = 2048
	DefaultBatchSize          = 64
)

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	PreferZerocopy bool
}

type SocketConfig struct {
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames allocated.
	// The first RxSize frames feed the fill ring, the rest are TX buffers.
	NumFrames uint32
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32
	// RxSize sets the number of descriptors in the RX and fill rings.
	RxSize uint32
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32
	// CqSize sets the number of entries in the completion ring.
	CqSize uint32
	// BatchSize caps the completions reclaimed per call.
	BatchSize uint32
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRxQueueSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultTxQueueSize
	}
	if c.CqSize == 0 {
		c.CqSize = DefaultCompletionRingSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	c.BatchSize = min(c.BatchSize, 256)

	if c.QueueID >= MaxQueues {
		return ErrQueueOutOfRange
	}
	for _, size := range []uint32{c.RxSize, c.TxSize, c.CqSize} {
		if size&(size-1) != 0 {
			return ErrNotPowerOfTwo
		}
	}
	if pageSize := uint32(os.Getpagesize()); c.FrameSize > pageSize {
		return fmt.Errorf("frame size %d exceeds system page size (%d)", c.FrameSize, pageSize)
	}
	if c.NumFrames < c.TxSize+c.RxSize {
		return ErrNumFramesTooSmall
	}
	return nil
}

// Interface represents a NIC with the redirect program attached.
type Interface struct {
	name     string
	index    int
	mac      net.HardwareAddr
	zerocopy bool

	coll    *ebpf.Collection
	xdpLink link.Link
}

// NewInterface attaches the redirect program to the named interface.
// When conf.PreferZerocopy is set the program is attached in driver mode.
func NewInterface(name string, conf InterfaceConfig) (*Interface, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	attrs := l.Attrs()

	coll, err := ebpf.NewCollection(redirectSpec())
	if err != nil {
		return nil, fmt.Errorf("loading XDP program: %w", err)
	}

	opts := link.XDPOptions{
		Program:   coll.Programs[xdpProgName],
		Interface: attrs.Index,
	}
	if conf.PreferZerocopy {
		opts.Flags = link.XDPDriverMode
	}
	xdpLink, err := link.AttachXDP(opts)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("attaching XDP program to %q: %w", name, err)
	}

	return &Interface{
		name:     name,
		index:    attrs.Index,
		mac:      attrs.HardwareAddr,
		zerocopy: conf.PreferZerocopy,
		coll:     coll,
		xdpLink:  xdpLink,
	}, nil
}

// Name returns the interface name.
func (i *Interface) Name() string { return i.name }

// MAC returns the hardware address of the interface.
func (i *Interface) MAC() net.HardwareAddr { return i.mac }

// Close detaches the XDP program and frees the eBPF objects.
// Sockets opened on the interface must be closed first.
func (i *Interface) Close() error {
	var errs []error
	if i.xdpLink != nil {
		if err := i.xdpLink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.xdpLink = nil
	}
	if i.coll != nil {
		i.coll.Close()
		i.coll = nil
	}
	return errors.Join(errs...)
}

func (i *Interface) registerXSK(fd int, queue uint32) error {
	return i.coll.Maps[xsksMapName].Update(queue, uint32(fd), ebpf.UpdateAny)
}

// Frame is a borrowed UMEM frame.
type Frame struct {
	// Buf points directly into the UMEM region.
	Buf []byte
	// Addr is the UMEM address of the frame.
	Addr uint64
}

// Socket is an AF_XDP bidirectional socket.
//
// Receive and Release use the RX and fill rings, NextFrame, SubmitBatch and
// FlushTx use the TX and completion rings. The two halves may be driven by
// different goroutines; each half is not safe for concurrent use.
type Socket struct {
	conf       SocketConfig
	isZerocopy bool
	fd         int

	umem []byte
	rx   *descRing
	fq   *addrRing
	tx   *descRing
	cq   *addrRing

	rxRegion, txRegion, fqRegion, cqRegion []byte

	// freeFrames is a stack of TX frame addresses.
	freeFrames []uint64
	compBuf    []uint64
	completed  uint64
}

// Open creates an AF_XDP socket on the interface. It allocates UMEM,
// maps the rings, binds to conf.QueueID and registers the socket with the
// redirect program. On failure every acquired resource is released.
func (i *Interface) Open(conf SocketConfig) (_ *Socket, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	s := &Socket{conf: conf, fd: -1}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.fd, err = unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0); err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}

	if s.umem, err = mmapUmem(uintptr(conf.NumFrames) * uintptr(conf.FrameSize)); err != nil {
		return nil, fmt.Errorf("mmap UMEM: %w", err)
	}
	reg := unix.XDPUmemReg{
		Addr: uint64(uintptr(unsafe.Pointer(&s.umem[0]))),
		Len:  uint64(len(s.umem)),
		Size: conf.FrameSize,
	}
	if err := setsockopt(s.fd, unix.XDP_UMEM_REG, unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	for _, opt := range []struct {
		name string
		opt  int
		size uint32
	}{
		{"XDP_UMEM_FILL_RING", unix.XDP_UMEM_FILL_RING, conf.RxSize},
		{"XDP_UMEM_COMPLETION_RING", unix.XDP_UMEM_COMPLETION_RING, conf.CqSize},
		{"XDP_TX_RING", unix.XDP_TX_RING, conf.TxSize},
		{"XDP_RX_RING", unix.XDP_RX_RING, conf.RxSize},
	} {
		size := opt.size
		if err := setsockopt(s.fd, opt.opt, unsafe.Pointer(&size), unsafe.Sizeof(size)); err != nil {
			return nil, fmt.Errorf("setsockopt %s: %w", opt.name, err)
		}
	}

	var offs unix.XDPMmapOffsets
	if err := getsockopt(s.fd, unix.XDP_MMAP_OFFSETS, unsafe.Pointer(&offs), unsafe.Sizeof(offs)); err != nil {
		return nil, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	descSize := unsafe.Sizeof(unix.XDPDesc{})
	addrSize := unsafe.Sizeof(uint64(0))
	if s.txRegion, err = mmapRegion(s.fd, uintptr(offs.Tx.Desc)+uintptr(conf.TxSize)*descSize, unix.XDP_PGOFF_TX_RING); err != nil {
		return nil, fmt.Errorf("mmap TX ring: %w", err)
	}
	if s.cqRegion, err = mmapRegion(s.fd, uintptr(offs.Cr.Desc)+uintptr(conf.CqSize)*addrSize, unix.XDP_UMEM_PGOFF_COMPLETION_RING); err != nil {
		return nil, fmt.Errorf("mmap CQ ring: %w", err)
	}
	if s.rxRegion, err = mmapRegion(s.fd, uintptr(offs.Rx.Desc)+uintptr(conf.RxSize)*descSize, unix.XDP_PGOFF_RX_RING); err != nil {
		return nil, fmt.Errorf("mmap RX ring: %w", err)
	}
	if s.fqRegion, err = mmapRegion(s.fd, uintptr(offs.Fr.Desc)+uintptr(conf.RxSize)*addrSize, unix.XDP_UMEM_PGOFF_FILL_RING); err != nil {
		return nil, fmt.Errorf("mmap FQ ring: %w", err)
	}

	if s.tx, err = newDescRing(s.txRegion, offs.Tx, conf.TxSize, true); err != nil {
		return nil, fmt.Errorf("making TX queue: %w", err)
	}
	if s.cq, err = newAddrRing(s.cqRegion, offs.Cr, conf.CqSize); err != nil {
		return nil, fmt.Errorf("making CQ queue: %w", err)
	}
	if s.rx, err = newDescRing(s.rxRegion, offs.Rx, conf.RxSize, false); err != nil {
		return nil, fmt.Errorf("making RX queue: %w", err)
	}
	if s.fq, err = newAddrRing(s.fqRegion, offs.Fr, conf.RxSize); err != nil {
		return nil, fmt.Errorf("making FQ queue: %w", err)
	}

	// Frames [0, RxSize) feed the fill ring, [RxSize, NumFrames) are TX buffers.
	rxFrames := make([]uint64, conf.RxSize)
	for n := range rxFrames {
		rxFrames[n] = uint64(n) * uint64(conf.FrameSize)
	}
	s.fq.fill(rxFrames...)
	s.freeFrames = make([]uint64, 0, conf.NumFrames-conf.RxSize)
	for n := conf.RxSize; n < conf.NumFrames; n++ {
		s.freeFrames = append(s.freeFrames, uint64(n)*uint64(conf.FrameSize))
	}
	s.compBuf = make([]uint64, conf.BatchSize)

	sa := &unix.RawSockaddrXDP{
		Family:   unix.AF_XDP,
		Ifindex:  uint32(i.index),
		Queue_id: conf.QueueID,
	}
	s.isZerocopy = i.zerocopy
	if s.isZerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}
	err = rawBind(s.fd, sa)
	if err != nil && s.isZerocopy &&
		(errors.Is(err, unix.EPROTONOSUPPORT) || errors.Is(err, unix.EOPNOTSUPP)) {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
		s.isZerocopy = false
		err = rawBind(s.fd, sa)
	}
	if err != nil {
		return nil, fmt.Errorf("binding socket to %s queue %d: %w", i.name, conf.QueueID, err)
	}

	if err := i.registerXSK(s.fd, conf.QueueID); err != nil {
		return nil, fmt.Errorf("registering XSK: %w", err)
	}
	return s, nil
}

// IsZerocopy reports whether the socket is operating in zero-copy mode.
// It may be false even if zero-copy was preferred when the queue doesn't
// support it.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

// FrameSize returns the UMEM frame size.
func (s *Socket) FrameSize() uint32 { return s.conf.FrameSize }

// Close releases the socket, UMEM and ring mappings.
func (s *Socket) Close() error {
	var errs []error
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = -1
	}
	for _, region := range []*[]byte{&s.txRegion, &s.cqRegion, &s.rxRegion, &s.fqRegion, &s.umem} {
		if *region == nil {
			continue
		}
		if err := unix.Munmap(*region); err != nil {
			errs = append(errs, err)
		}
		*region = nil
	}
	return errors.Join(errs...)
}

// Receive reads up to len(buffer) frames from the RX ring without blocking.
// Returned frames reference UMEM and must be returned via Release.
func (s *Socket) Receive(buffer []Frame) []Frame {
	avail := min(s.rx.available(), uint32(len(buffer)))
	if avail == 0 {
		if s.fq.needWakeup() {
			// Copy mode only refills from the fill ring inside a syscall.
			_, _, _ = unix.Recvfrom(s.fd, nil, unix.MSG_DONTWAIT)
		}
		return buffer[:0]
	}

	buffer = buffer[:avail]
	for n := range buffer {
		d := s.rx.descs[s.rx.cachedCons&s.rx.mask]
		buffer[n] = Frame{
			Buf:  s.umem[d.Addr : d.Addr+uint64(d.Len)],
			Addr: d.Addr,
		}
		s.rx.cachedCons++
	}
	s.rx.release()
	return buffer
}

// Release returns received frames to the fill ring.
func (s *Socket) Release(addrs ...uint64) {
	if len(addrs) > 0 {
		s.fq.fill(addrs...)
	}
}

// NextFrame returns a writable TX frame. A zero Frame means none is free
// and the caller should retry after PollCompletions.
func (s *Socket) NextFrame() Frame {
	if len(s.freeFrames) == 0 {
		s.PollCompletions(uint32(len(s.compBuf)))
		if len(s.freeFrames) == 0 {
			return Frame{}
		}
	}
	n := len(s.freeFrames) - 1
	addr := s.freeFrames[n]
	s.freeFrames = s.freeFrames[:n]
	return Frame{
		Buf:  s.umem[addr : addr+uint64(s.conf.FrameSize)],
		Addr: addr,
	}
}

// Recycle returns a TX frame obtained from NextFrame that wasn't submitted.
func (s *Socket) Recycle(f Frame) {
	s.freeFrames = append(s.freeFrames, f.Addr)
}

// SubmitBatch places as many frames as fit into the TX ring without
// blocking and returns how many were placed. len(f.Buf) is the length
// transmitted. Submitted frames become visible to the kernel on FlushTx.
func (s *Socket) SubmitBatch(frames []Frame) int {
	idx, n := s.tx.reserve(uint32(len(frames)))
	for i := range n {
		d := &s.tx.descs[(idx+i)&s.tx.mask]
		d.Addr = frames[i].Addr
		d.Len = uint32(len(frames[i].Buf))
		d.Options = 0
	}
	return int(n)
}

// FlushTx publishes submitted descriptors and kicks the kernel if needed.
func (s *Socket) FlushTx() error {
	s.tx.submit()
	if !s.tx.needWakeup() {
		return nil
	}
	return wakeupTxQueue(s.fd)
}

// PollCompletions reclaims up to maxFrames completed TX frames.
func (s *Socket) PollCompletions(maxFrames uint32) uint32 {
	maxFrames = min(maxFrames, uint32(len(s.compBuf)))
	if maxFrames == 0 {
		return 0
	}
	n := s.cq.complete(s.compBuf[:maxFrames])
	s.freeFrames = append(s.freeFrames, s.compBuf[:n]...)
	s.completed += uint64(n)
	return n
}

// Completed returns the number of TX frames reclaimed since Open,
// including those reclaimed by NextFrame.
func (s *Socket) Completed() uint64 { return s.completed }

// TxFree returns the number of free descriptors in the TX ring.
func (s *Socket) TxFree() uint32 { return s.tx.free() }

// Statistics returns the kernel's drop counters for the socket.
func (s *Socket) Statistics() (unix.XDPStatistics, error) {
	var st unix.XDPStatistics
	err := getsockopt(s.fd, unix.XDP_STATISTICS, unsafe.Pointer(&st), unsafe.Sizeof(st))
	return st, err
}

// Wait blocks until the socket becomes readable or timeoutMS expires.
func (s *Socket) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}, timeoutMS)
		if err != unix.EINTR {
			return err
		}
	}
}

func rawBind(fd int, sa *unix.RawSockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd), uintptr(unsafe.Pointer(sa)), unsafe.Sizeof(*sa))
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name), uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen)
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name), uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}

func mmapRegion(fd int, length uintptr, offset int64) ([]byte, error) {
	return unix.Mmap(fd, offset, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}

func mmapUmem(length uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
}

// wakeupTxQueue kicks the TX ring with a zero length send.
func wakeupTxQueue(fd int) error {
	err := unix.Sendto(fd, nil, unix.MSG_DONTWAIT, nil)
	switch err {
	case unix.EAGAIN, unix.EBUSY, unix.ENOBUFS, unix.ENETDOWN:
		return nil
	}
	return err
}
