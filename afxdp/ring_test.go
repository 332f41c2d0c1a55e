//go:build linux

package afxdp

import (
	"testing"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeOffsets lays out a ring header followed by its entries the way the
// kernel does: producer, consumer and flags words, then the entries.
var fakeOffsets = unix.XDPRingOffset{Producer: 0, Consumer: 64, Flags: 128, Desc: 192}

func fakeRegion(size uint32, entry uintptr) []byte {
	// uint64 backing keeps the entries aligned.
	words := (fakeOffsets.Desc + uint64(uintptr(size)*entry) + 7) / 8
	mem := make([]uint64, words)
	return unsafe.Slice((*byte)(unsafe.Pointer(&mem[0])), len(mem)*8)
}

func TestDescRingReserveIsNonBlocking(t *testing.T) {
	region := fakeRegion(8, unsafe.Sizeof(unix.XDPDesc{}))
	tx, err := newDescRing(region, fakeOffsets, 8, true)
	require.NoError(t, err)

	assert.Equal(t, uint32(8), tx.free())
	idx, n := tx.reserve(5)
	assert.Equal(t, uint32(0), idx)
	assert.Equal(t, uint32(5), n)

	idx, n = tx.reserve(5)
	assert.Equal(t, uint32(5), idx)
	assert.Equal(t, uint32(3), n, "only the remainder fits")

	_, n = tx.reserve(1)
	assert.Zero(t, n)
	tx.submit()
	assert.Equal(t, uint32(8), *tx.prod)

	// Kernel consumes four descriptors.
	*tx.cons = 4
	idx, n = tx.reserve(6)
	assert.Equal(t, uint32(8), idx)
	assert.Equal(t, uint32(4), n)
}

func TestDescRingConsume(t *testing.T) {
	region := fakeRegion(4, unsafe.Sizeof(unix.XDPDesc{}))
	rx, err := newDescRing(region, fakeOffsets, 4, false)
	require.NoError(t, err)

	assert.Zero(t, rx.available())
	rx.descs[0] = unix.XDPDesc{Addr: 2048, Len: 60}
	rx.descs[1] = unix.XDPDesc{Addr: 4096, Len: 64}
	*rx.prod = 2
	assert.Equal(t, uint32(2), rx.available())

	rx.cachedCons += 2
	rx.release()
	assert.Equal(t, uint32(2), *rx.cons)
	assert.Zero(t, rx.available())
}

func TestAddrRingFillAndComplete(t *testing.T) {
	region := fakeRegion(4, 8)
	q, err := newAddrRing(region, fakeOffsets, 4)
	require.NoError(t, err)

	q.fill(0, 2048, 4096)
	assert.Equal(t, uint32(3), *q.prod)
	assert.Equal(t, []uint64{0, 2048, 4096, 0}, q.addrs)

	dst := make([]uint64, 2)
	assert.Equal(t, uint32(2), q.complete(dst))
	assert.Equal(t, []uint64{0, 2048}, dst)
	assert.Equal(t, uint32(2), *q.cons)
	assert.Equal(t, uint32(1), q.complete(dst))
	assert.Equal(t, uint64(4096), dst[0])
	assert.Zero(t, q.complete(dst))
}

func TestNeedWakeup(t *testing.T) {
	q, err := newAddrRing(fakeRegion(4, 8), fakeOffsets, 4)
	require.NoError(t, err)
	assert.False(t, q.needWakeup())
	*q.flags = unix.XDP_RING_NEED_WAKEUP
	assert.True(t, q.needWakeup())
}

func TestEmptyRegion(t *testing.T) {
	_, err := newDescRing(nil, fakeOffsets, 4, false)
	assert.ErrorIs(t, err, ErrEmptyRegion)
	_, err = newAddrRing(nil, fakeOffsets, 4)
	assert.ErrorIs(t, err, ErrEmptyRegion)
}

func TestSocketConfigDefaults(t *testing.T) {
	var c SocketConfig
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, uint32(DefaultNumFrames), c.NumFrames)
	assert.Equal(t, uint32(DefaultFrameSize), c.FrameSize)
	assert.Equal(t, uint32(DefaultBatchSize), c.BatchSize)

	c = SocketConfig{NumFrames: 1024, RxSize: 1024, TxSize: 1024}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), ErrNumFramesTooSmall)

	c = SocketConfig{RxSize: 1000}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), ErrNotPowerOfTwo)

	c = SocketConfig{QueueID: MaxQueues}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), ErrQueueOutOfRange)

	c = SocketConfig{BatchSize: 4096}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, uint32(256), c.BatchSize)
}

func TestRedirectSpec(t *testing.T) {
	spec := redirectSpec()

	m := spec.Maps[xsksMapName]
	require.NotNil(t, m)
	assert.Equal(t, ebpf.XSKMap, m.Type)
	assert.Equal(t, uint32(MaxQueues), m.MaxEntries)

	p := spec.Programs[xdpProgName]
	require.NotNil(t, p)
	assert.Equal(t, ebpf.XDP, p.Type)
	require.Len(t, p.Instructions, 5)
	assert.Equal(t, xsksMapName, p.Instructions[1].Reference())
	assert.True(t, p.Instructions[3].IsBuiltinCall())
	assert.Equal(t, asm.Return().OpCode, p.Instructions[4].OpCode)
}

func TestCompletedCountsFramesReclaimedByNextFrame(t *testing.T) {
	cq, err := newAddrRing(fakeRegion(4, 8), fakeOffsets, 4)
	require.NoError(t, err)
	s := &Socket{
		conf:    SocketConfig{FrameSize: 2048},
		umem:    make([]byte, 4*2048),
		cq:      cq,
		compBuf: make([]uint64, 4),
	}

	assert.Zero(t, s.NextFrame().Buf, "nothing completed yet")

	// Kernel completes two frames.
	cq.addrs[0], cq.addrs[1] = 2048, 4096
	*cq.prod = 2

	f := s.NextFrame()
	require.NotNil(t, f.Buf)
	assert.Len(t, f.Buf, 2048)
	assert.Equal(t, uint64(2), s.Completed(), "reclaimed inside NextFrame")

	cq.addrs[2] = 6144
	*cq.prod = 3
	assert.Equal(t, uint32(1), s.PollCompletions(4))
	assert.Equal(t, uint64(3), s.Completed())
}
