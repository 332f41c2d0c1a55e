//go:build linux

package afxdp

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

const (
	xsksMapName = "xsks_map"
	xdpProgName = "xdp_sock_prog"

	// MaxQueues bounds the queue ids the redirect map can address.
	MaxQueues = 64

	// Offset of rx_queue_index in struct xdp_md.
	xdpMDRxQueueIndex = 16
	xdpPass           = 2
)

// redirectSpec returns a collection holding an XSKMAP and an XDP program
// that redirects every frame received on queue i to the socket stored at
// index i. Frames arriving on a queue without a socket are passed to the
// kernel stack.
func redirectSpec() *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			xsksMapName: {
				Name:       xsksMapName,
				Type:       ebpf.XSKMap,
				KeySize:    4,
				ValueSize:  4,
				MaxEntries: MaxQueues,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			xdpProgName: {
				Name:    xdpProgName,
				Type:    ebpf.XDP,
				License: "GPL",
				Instructions: asm.Instructions{
					// r2 = ctx->rx_queue_index
					asm.LoadMem(asm.R2, asm.R1, xdpMDRxQueueIndex, asm.Word),
					asm.LoadMapPtr(asm.R1, 0).WithReference(xsksMapName),
					// Lower bits of flags are the action on lookup failure.
					asm.Mov.Imm(asm.R3, xdpPass),
					asm.FnRedirectMap.Call(),
					asm.Return(),
				},
			},
		},
	}
}
