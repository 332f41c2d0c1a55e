package txbuf_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/fwd/fwdtest"
	"github.com/romshark/afxdp-l2fwd/stats"
	"github.com/romshark/afxdp-l2fwd/txbuf"
)

// receive injects n 64 byte frames on port 0 and reads them back.
func receive(t *testing.T, tr *fwdtest.Transport, n int) []dataplane.Frame {
	t.Helper()
	for range n {
		tr.Inject(0, make([]byte, 64))
	}
	frames := tr.Receive(0, make([]dataplane.Frame, n))
	require.Len(t, frames, n)
	return frames
}

func TestFullBufferFlushesOnce(t *testing.T) {
	tr := fwdtest.New()
	table := stats.NewTable([]dataplane.PortID{1})
	b := txbuf.New(1, 0, tr, table.Port(1))
	require.Equal(t, txbuf.DefaultCapacity, b.Cap())

	frames := receive(t, tr, txbuf.DefaultCapacity)
	for i, f := range frames[:len(frames)-1] {
		assert.Zero(t, b.Enqueue(f), "frame %d", i)
	}
	assert.Empty(t, tr.Calls(1))
	assert.Equal(t, txbuf.DefaultCapacity-1, b.Len())

	assert.Equal(t, txbuf.DefaultCapacity, b.Enqueue(frames[len(frames)-1]))
	assert.Equal(t, []int{txbuf.DefaultCapacity}, tr.Calls(1))
	assert.Zero(t, b.Len())

	s := table.Port(1).Snapshot()
	assert.Equal(t, uint64(txbuf.DefaultCapacity), s.Tx)
	assert.Equal(t, uint64(txbuf.DefaultCapacity*64), s.TxBytes)
	assert.Equal(t, uint64(txbuf.DefaultCapacity), s.TxBurst)
	assert.Zero(t, s.Dropped)
}

func TestPartialAcceptDropsRemainder(t *testing.T) {
	tr := fwdtest.New()
	tr.SetAccept(1, 20)
	table := stats.NewTable([]dataplane.PortID{1})
	b := txbuf.New(1, 32, tr, table.Port(1))

	for _, f := range receive(t, tr, 32) {
		b.Enqueue(f)
	}

	s := table.Port(1).Snapshot()
	assert.Equal(t, uint64(20), s.Tx)
	assert.Equal(t, uint64(12), s.Dropped)
	assert.Equal(t, 12, tr.Freed())
	assert.Zero(t, tr.Outstanding())
	assert.Zero(t, b.Len())
}

func TestFlushEmptyIsNoop(t *testing.T) {
	tr := fwdtest.New()
	table := stats.NewTable([]dataplane.PortID{1})
	b := txbuf.New(1, 4, tr, table.Port(1))

	assert.Zero(t, b.Flush())
	assert.Empty(t, tr.Calls(1))
	assert.Equal(t, dataplane.PortID(1), b.Port())
	assert.Equal(t, 4, b.Cap())
}

func TestFlushPartialBuffer(t *testing.T) {
	tr := fwdtest.New()
	table := stats.NewTable([]dataplane.PortID{1})
	b := txbuf.New(1, 8, tr, table.Port(1))

	for _, f := range receive(t, tr, 3) {
		b.Enqueue(f)
	}
	assert.Equal(t, 3, b.Flush())
	assert.Equal(t, []int{3}, tr.Calls(1))
	assert.Len(t, tr.Sent(1), 3)
	assert.Zero(t, b.Flush())
}
