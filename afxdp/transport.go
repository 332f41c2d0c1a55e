//go:build linux

package afxdp

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/romshark/afxdp-l2fwd/dataplane"
)

// PortConfig binds a port to an interface.
type PortConfig struct {
	ID    dataplane.PortID
	Iface string
}

// TransportConfig configures Open.
type TransportConfig struct {
	Ports  []PortConfig
	Socket SocketConfig
	InterfaceConfig
}

// Transport is a dataplane.Transport with one AF_XDP socket per port,
// bound to queue 0 of the port's interface.
//
// Frames are copied from the ingress UMEM into the egress UMEM on
// Transmit. Receive and Free for a port must be called from one goroutine,
// Transmit for a port from one goroutine.
type Transport struct {
	ports map[dataplane.PortID]*port
	log   *zap.SugaredLogger
}

type port struct {
	id     dataplane.PortID
	iface  *Interface
	sock   *Socket
	rxBuf  []Frame
	txBuf  []Frame
	relBuf []uint64
}

var (
	_ dataplane.Transport           = (*Transport)(nil)
	_ dataplane.DeviceCounterSource = (*Transport)(nil)
)

// Open attaches the redirect program to every port's interface and opens
// its socket. Everything acquired is released if any port fails.
func Open(conf TransportConfig, log *zap.SugaredLogger) (_ *Transport, err error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	t := &Transport{
		ports: make(map[dataplane.PortID]*port, len(conf.Ports)),
		log:   log,
	}
	defer func() {
		if err != nil {
			_ = t.Close()
		}
	}()

	for _, pc := range conf.Ports {
		if _, dup := t.ports[pc.ID]; dup {
			return nil, dataplane.ConfigErrorf("port %d is configured twice", pc.ID)
		}
		iface, err := NewInterface(pc.Iface, conf.InterfaceConfig)
		if err != nil {
			return nil, &dataplane.ResourceError{Err: fmt.Errorf("port %d: %w", pc.ID, err)}
		}
		p := &port{id: pc.ID, iface: iface}
		t.ports[pc.ID] = p

		sc := conf.Socket
		sc.QueueID = 0
		if p.sock, err = iface.Open(sc); err != nil {
			return nil, &dataplane.ResourceError{Err: fmt.Errorf("port %d (%s): %w", pc.ID, pc.Iface, err)}
		}
		log.Infow("opened AF_XDP socket",
			zap.Uint16("port", uint16(pc.ID)),
			zap.String("iface", pc.Iface),
			zap.Stringer("mac", iface.MAC()),
			zap.Bool("zerocopy", p.sock.IsZerocopy()),
		)
	}
	return t, nil
}

// Ports returns the port descriptions, ordered by id, with each
// interface's MAC address.
func (t *Transport) Ports() []dataplane.Port {
	ports := make([]dataplane.Port, 0, len(t.ports))
	for _, p := range t.ports {
		ports = append(ports, dataplane.Port{
			ID:      p.id,
			Name:    p.iface.Name(),
			MAC:     p.iface.MAC(),
			Enabled: true,
		})
	}
	slices.SortFunc(ports, func(a, b dataplane.Port) int { return cmp.Compare(a.ID, b.ID) })
	return ports
}

// Close closes every socket, then detaches every program.
func (t *Transport) Close() error {
	var errs []error
	for _, p := range t.ports {
		if p.sock != nil {
			if err := p.sock.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing socket of port %d: %w", p.id, err))
			}
		}
	}
	for _, p := range t.ports {
		if err := p.iface.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing interface of port %d: %w", p.id, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) Receive(id dataplane.PortID, buf []dataplane.Frame) []dataplane.Frame {
	p := t.ports[id]
	if cap(p.rxBuf) < len(buf) {
		p.rxBuf = make([]Frame, len(buf))
	}
	frames := p.sock.Receive(p.rxBuf[:len(buf)])
	buf = buf[:len(frames)]
	for n, f := range frames {
		buf[n] = dataplane.Frame{Data: f.Buf, Port: id, Ref: f.Addr}
	}
	return buf
}

// Transmit copies frames into TX buffers of the egress socket and returns
// how many were queued. Queued source frames are released to their
// ingress fill ring; the caller frees the rest.
func (t *Transport) Transmit(id dataplane.PortID, frames []dataplane.Frame) int {
	p := t.ports[id]
	s := p.sock
	s.PollCompletions(uint32(len(frames)))

	p.txBuf = p.txBuf[:0]
	limit := min(len(frames), int(s.TxFree()))
	for _, f := range frames[:limit] {
		out := s.NextFrame()
		if out.Buf == nil {
			break
		}
		out.Buf = out.Buf[:copy(out.Buf, f.Data)]
		p.txBuf = append(p.txBuf, out)
	}

	sent := s.SubmitBatch(p.txBuf)
	for _, f := range p.txBuf[sent:] {
		s.Recycle(f)
	}
	if sent > 0 {
		if err := s.FlushTx(); err != nil {
			t.log.Debugw("tx wakeup failed", zap.Uint16("port", uint16(id)), zap.Error(err))
		}
	}
	t.Free(frames[:sent])
	return sent
}

// Free returns frames to the fill ring of the port they were received on.
func (t *Transport) Free(frames []dataplane.Frame) {
	for len(frames) > 0 {
		p := t.ports[frames[0].Port]
		p.relBuf = p.relBuf[:0]
		n := 0
		for ; n < len(frames) && frames[n].Port == p.id; n++ {
			p.relBuf = append(p.relBuf, frames[n].Ref)
		}
		p.sock.Release(p.relBuf...)
		frames = frames[n:]
	}
}

// DeviceCounters maps the socket's XDP statistics onto device counters.
func (t *Transport) DeviceCounters(id dataplane.PortID) (dataplane.DeviceCounters, error) {
	p, ok := t.ports[id]
	if !ok {
		return dataplane.DeviceCounters{}, fmt.Errorf("unknown port %d", id)
	}
	st, err := p.sock.Statistics()
	if err != nil {
		return dataplane.DeviceCounters{}, fmt.Errorf("reading XDP statistics of port %d: %w", id, err)
	}
	return dataplane.DeviceCounters{
		RxError:  st.Rx_invalid_descs + st.Rx_dropped,
		TxError:  st.Tx_invalid_descs,
		RxNoMbuf: st.Rx_fill_ring_empty_descs,
	}, nil
}
