//go:build linux

package main

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/romshark/afxdp-l2fwd/afxdp"
	"github.com/romshark/afxdp-l2fwd/config"
	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/topology"
)

// layout is the static forwarding layout derived from a valid configuration.
type layout struct {
	topology *topology.Assignment
	cores    *topology.CoreAssignment
	ports    []afxdp.PortConfig
}

// plan pairs the enabled ports and spreads them over cpus.
func plan(cfg *config.Config, cpus []int, log *zap.SugaredLogger) (*layout, error) {
	if len(cfg.Ifaces) == 0 {
		return nil, dataplane.ConfigErrorf("no interfaces given")
	}
	enabled, err := cfg.Ports()
	if err != nil {
		return nil, err
	}
	pairs, err := cfg.Pairs()
	if err != nil {
		return nil, err
	}

	topo, err := topology.Build(enabled, pairs)
	if err != nil {
		return nil, err
	}
	for _, w := range topo.Warnings {
		log.Warn(w)
	}

	if len(cfg.Cores) > 0 {
		cpus = cfg.Cores
	}
	cores, err := topology.AssignCores(topo.Ports(), cpus, cfg.Queues)
	if err != nil {
		return nil, err
	}

	l := &layout{topology: topo, cores: cores}
	for _, id := range topo.Ports() {
		l.ports = append(l.ports, afxdp.PortConfig{ID: id, Iface: cfg.Ifaces[id]})
	}
	for _, q := range cores.Cores {
		if len(q.Ports) > 0 {
			log.Infow("core assignment", zap.Int("core", q.Core), zap.Any("ports", q.Ports))
		}
	}
	return l, nil
}

// ifaceNames returns the interface of every forwarding port.
func (l *layout) ifaceNames() []string {
	names := make([]string, len(l.ports))
	for i, p := range l.ports {
		names[i] = p.Iface
	}
	return names
}

// aliases labels interfaces with their port id.
func (l *layout) aliases() map[string]string {
	m := make(map[string]string, len(l.ports))
	for _, p := range l.ports {
		m[p.Iface] = "port " + strconv.Itoa(int(p.ID))
	}
	return m
}
