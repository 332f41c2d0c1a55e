package fwd

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/stats"
	"github.com/romshark/afxdp-l2fwd/topology"
	"github.com/romshark/afxdp-l2fwd/tstamp"
	"github.com/romshark/afxdp-l2fwd/txbuf"
)

var ErrEarlyExit = errors.New("core exited before stop was requested")

// Plan is the static forwarding layout.
type Plan struct {
	// Ports lists the known ports. Every forwarding port must be present.
	Ports    []dataplane.Port
	Topology *topology.Assignment
	Cores    *topology.CoreAssignment
}

// Engine owns the cores of a forwarding run.
type Engine struct {
	cores []*Core
	stop  *StopFlag
	pin   bool
	log   *zap.SugaredLogger
}

// Build wires plan into runnable cores. Each egress port gets one transmit
// buffer owned by the core polling the port paired with it.
func Build(
	cfg Config,
	plan Plan,
	tr dataplane.Transport,
	table *stats.Table,
	opts ...Option,
) (*Engine, error) {
	if plan.Topology == nil || plan.Cores == nil {
		return nil, errors.New("incomplete plan")
	}
	if cfg.Burst < 1 {
		return nil, dataplane.ConfigErrorf("burst must be positive, got %d", cfg.Burst)
	}
	if cfg.DrainInterval <= 0 {
		return nil, dataplane.ConfigErrorf("drain interval must be positive, got %s", cfg.DrainInterval)
	}
	if cfg.ReportPeriod < 0 || cfg.ReportPeriod > MaxReportPeriod {
		return nil, dataplane.ConfigErrorf(
			"report period must be within [0,%s], got %s", MaxReportPeriod, cfg.ReportPeriod,
		)
	}

	o := options{log: zap.NewNop().Sugar(), wall: tstamp.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		start := time.Now()
		o.now = func() time.Duration { return time.Since(start) }
	}

	ports := make(map[dataplane.PortID]dataplane.Port, len(plan.Ports))
	for _, p := range plan.Ports {
		ports[p.ID] = p
	}

	buffers := make(map[dataplane.PortID]*txbuf.Buffer, plan.Topology.Len())
	ingressOf := make(map[dataplane.PortID]dataplane.PortID, plan.Topology.Len())
	for _, in := range plan.Topology.Ports() {
		if _, ok := ports[in]; !ok {
			return nil, dataplane.ConfigErrorf("port %d is not available", in)
		}
		if table.Port(in) == nil {
			return nil, fmt.Errorf("port %d has no statistics", in)
		}
		out, _ := plan.Topology.Egress(in)
		if prev, dup := ingressOf[out]; dup {
			return nil, dataplane.ConfigErrorf(
				"ports %d and %d both forward to port %d", prev, in, out,
			)
		}
		ingressOf[out] = in
		buffers[out] = txbuf.New(out, cfg.BufferCapacity, tr, table.Port(out))
	}

	reportCore, hasReporter := plan.Cores.ReportingCore()
	e := &Engine{stop: new(StopFlag), pin: cfg.PinCores, log: o.log}
	for _, q := range plan.Cores.Cores {
		c := &Core{
			id:    q.Core,
			cfg:   cfg,
			tr:    tr,
			lat:   table.NewCore(),
			stop:  e.stop,
			now:   o.now,
			wall:  o.wall,
			log:   o.log,
			burst: make([]dataplane.Frame, cfg.Burst),
			insp:  newInspector(),
		}
		if hasReporter && q.Core == reportCore && o.reporter != nil {
			c.reporter = o.reporter
		}
		for _, in := range q.Ports {
			out, ok := plan.Topology.Egress(in)
			if !ok {
				return nil, dataplane.ConfigErrorf("port %d is assigned to core %d but not forwarding", in, q.Core)
			}
			c.rx = append(c.rx, rxQueue{
				port:   in,
				stats:  table.Port(in),
				dst:    buffers[out],
				dstMAC: ports[out].MAC,
			})
			c.egress = append(c.egress, buffers[out])
		}
		e.cores = append(e.cores, c)
	}
	return e, nil
}

// Cores returns the cores in assignment order.
func (e *Engine) Cores() []*Core { return e.cores }

// Stop raises the stop flag.
func (e *Engine) Stop() { e.stop.Set() }

// Stopping reports whether the stop flag is raised.
func (e *Engine) Stopping() bool { return e.stop.IsSet() }

// Run launches one goroutine per core and blocks until all returned.
// Cancelling ctx raises the stop flag. A core returning before the flag
// was raised is reported as ErrEarlyExit.
func (e *Engine) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			e.stop.Set()
		case <-done:
		}
	}()

	e.log.Infof("launching %d cores", len(e.cores))

	var wg errgroup.Group
	for _, c := range e.cores {
		wg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					e.stop.Set()
					err = fmt.Errorf("core %d panicked: %v", c.id, r)
				}
			}()

			// A pinned thread exits with its goroutine instead of
			// returning to the scheduler with a narrowed affinity.
			runtime.LockOSThread()
			if e.pin && len(c.rx) > 0 {
				if err := pinToCPU(c.id); err != nil {
					e.stop.Set()
					return fmt.Errorf("pinning core %d: %w", c.id, err)
				}
			} else {
				defer runtime.UnlockOSThread()
			}

			c.Run()
			if len(c.rx) > 0 && !e.stop.IsSet() {
				e.stop.Set()
				return fmt.Errorf("core %d: %w", c.id, ErrEarlyExit)
			}
			return nil
		})
	}
	return wg.Wait()
}
