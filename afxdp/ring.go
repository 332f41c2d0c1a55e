//go:build linux

package afxdp

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ring holds the indices shared by every AF_XDP ring kind.
// Producer and consumer are cached locally and only synchronized with the
// shared header once per batch.
type ring struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	flags      *uint32
}

// needWakeup reports whether the kernel asked for a syscall kick.
func (r *ring) needWakeup() bool {
	return atomic.LoadUint32(r.flags)&unix.XDP_RING_NEED_WAKEUP != 0
}

// descRing is an RX or TX ring of packet descriptors.
type descRing struct {
	ring
	descs []unix.XDPDesc
}

// addrRing is a FILL or COMPLETION ring of UMEM frame addresses.
type addrRing struct {
	ring
	addrs []uint64
}

func newRing(base unsafe.Pointer, off unix.XDPRingOffset, size uint32) ring {
	return ring{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		flags: (*uint32)(unsafe.Add(base, off.Flags)),
	}
}

// newDescRing maps a descriptor ring onto region.
// Producer rings (TX) start with the whole ring free.
func newDescRing(region []byte, off unix.XDPRingOffset, size uint32, producer bool) (*descRing, error) {
	if len(region) == 0 {
		return nil, ErrEmptyRegion
	}
	base := unsafe.Pointer(&region[0])
	q := &descRing{
		ring:  newRing(base, off, size),
		descs: unsafe.Slice((*unix.XDPDesc)(unsafe.Add(base, off.Desc)), size),
	}
	if producer {
		q.cachedCons = size
	}
	return q, nil
}

func newAddrRing(region []byte, off unix.XDPRingOffset, size uint32) (*addrRing, error) {
	if len(region) == 0 {
		return nil, ErrEmptyRegion
	}
	base := unsafe.Pointer(&region[0])
	return &addrRing{
		ring:  newRing(base, off, size),
		addrs: unsafe.Slice((*uint64)(unsafe.Add(base, off.Desc)), size),
	}, nil
}

// available returns the number of entries the consumer may read.
func (q *descRing) available() uint32 {
	if avail := q.cachedProd - q.cachedCons; avail > 0 {
		return avail
	}
	q.cachedProd = atomic.LoadUint32(q.prod)
	return q.cachedProd - q.cachedCons
}

// free returns the number of descriptors the producer may reserve.
func (q *descRing) free() uint32 {
	q.cachedCons = atomic.LoadUint32(q.cons) + q.size
	return q.cachedCons - q.cachedProd
}

// reserve reserves up to n descriptors and returns the first index and
// the number reserved, which may be zero.
func (q *descRing) reserve(n uint32) (idx, reserved uint32) {
	if q.cachedCons-q.cachedProd < n {
		q.free()
	}
	reserved = min(n, q.cachedCons-q.cachedProd)
	idx = q.cachedProd
	q.cachedProd += reserved
	return idx, reserved
}

// submit publishes reserved descriptors to the kernel.
func (q *descRing) submit() {
	atomic.StoreUint32(q.prod, q.cachedProd)
}

// release publishes consumed descriptors to the kernel.
func (q *descRing) release() {
	atomic.StoreUint32(q.cons, q.cachedCons)
}

// complete moves up to len(dst) addresses out of a COMPLETION ring.
func (q *addrRing) complete(dst []uint64) uint32 {
	entries := q.cachedProd - q.cachedCons
	if entries == 0 {
		q.cachedProd = atomic.LoadUint32(q.prod)
		entries = q.cachedProd - q.cachedCons
	}
	entries = min(entries, uint32(len(dst)))
	for i := range entries {
		dst[i] = q.addrs[q.cachedCons&q.mask]
		q.cachedCons++
	}
	if entries > 0 {
		atomic.StoreUint32(q.cons, q.cachedCons)
	}
	return entries
}

// fill hands addresses to the kernel through a FILL ring.
// The ring is sized so that it can always hold every RX frame.
func (q *addrRing) fill(addrs ...uint64) {
	prod := atomic.LoadUint32(q.prod)
	for _, a := range addrs {
		q.addrs[prod&q.mask] = a
		prod++
	}
	atomic.StoreUint32(q.prod, prod)
}
