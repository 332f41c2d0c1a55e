// Package config holds the l2fwd configuration shared by the YAML file and
// the command line.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/fwd"
	"github.com/romshark/afxdp-l2fwd/logging"
	"github.com/romshark/afxdp-l2fwd/topology"
)

const (
	// MaxPeriod is the longest accepted report period, in seconds.
	MaxPeriod = 86400
	// DefaultLinkWait bounds the wait for all links to come up.
	DefaultLinkWait = 9 * time.Second
)

// Config is the complete l2fwd configuration.
type Config struct {
	// PortMask is the hexadecimal mask of enabled ports.
	PortMask string `yaml:"portmask"`
	// Queues is the number of ports polled by each core.
	Queues int `yaml:"queues"`
	// Period is the report period in seconds. Zero disables reporting.
	Period int `yaml:"period"`
	// MACUpdating enables MAC address rewriting on forward.
	MACUpdating bool `yaml:"mac-updating"`
	// PortMap optionally pairs ports explicitly, e.g. "(0,1)(2,3)".
	PortMap string `yaml:"portmap"`
	// Ifaces lists the network interfaces. Port i is Ifaces[i].
	Ifaces []string `yaml:"ifaces"`
	// Mode is "forward" or "latency".
	Mode string `yaml:"mode"`
	// Cores lists the CPUs available to forwarding cores.
	// Empty means every CPU in the process affinity mask.
	Cores []int `yaml:"cores"`
	// Burst is the maximum number of frames received per poll.
	Burst int `yaml:"burst"`
	// Drain is the transmit buffer drain interval.
	Drain time.Duration `yaml:"drain"`
	// Pin locks forwarding cores to their CPUs.
	Pin bool `yaml:"pin"`
	// Zerocopy requests driver mode XDP and zero-copy sockets.
	Zerocopy bool `yaml:"zerocopy"`
	UMEM     UMEM `yaml:"umem"`
	// MetricsListen is the Prometheus endpoint address. Empty disables it.
	MetricsListen string `yaml:"metrics-listen"`
	// Clear clears the terminal before every report.
	Clear bool `yaml:"clear"`
	// LinkWait bounds the wait for links to come up. Zero skips the check.
	LinkWait time.Duration  `yaml:"link-wait"`
	Log      logging.Config `yaml:"log"`
}

// UMEM sizes the AF_XDP packet memory of every socket.
type UMEM struct {
	FrameSize datasize.ByteSize `yaml:"frame-size"`
	NumFrames uint32            `yaml:"num-frames"`
	RxSize    uint32            `yaml:"rx-size"`
	TxSize    uint32            `yaml:"tx-size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Queues:      1,
		Period:      int(fwd.DefaultReportPeriod / time.Second),
		MACUpdating: true,
		Mode:        fwd.ModeForward.String(),
		Burst:       fwd.DefaultBurst,
		Drain:       fwd.DefaultDrainInterval,
		UMEM: UMEM{
			FrameSize: 2 * datasize.KB,
			NumFrames: 4096,
			RxSize:    2048,
			TxSize:    2048,
		},
		LinkWait: DefaultLinkWait,
		Log:      logging.Config{Level: zapcore.InfoLevel},
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &dataplane.ConfigError{
			Err: fmt.Errorf("failed to parse YAML configuration: %w", err),
		}
	}
	return cfg, nil
}

// Validate reports every problem with c at once as a ConfigError.
func (c *Config) Validate() error {
	var err error
	add := func(e error) { err = multierr.Append(err, unwrapConfig(e)) }

	var ports []dataplane.PortID
	if c.PortMask == "" {
		add(errors.New("portmask is required"))
	} else if p, e := topology.ParsePortMask(c.PortMask); e != nil {
		add(e)
	} else if len(c.Ifaces) > 0 && int(p[len(p)-1]) >= len(c.Ifaces) {
		add(fmt.Errorf(
			"portmask %s enables port %d but only %d interfaces are given",
			c.PortMask, p[len(p)-1], len(c.Ifaces),
		))
	} else {
		ports = p
	}
	pairsOK := true
	var pairs []topology.Pair
	if c.PortMap != "" {
		p, e := topology.ParsePairs(c.PortMap)
		if e != nil {
			add(e)
		}
		pairs, pairsOK = p, e == nil
	}
	if ports != nil && pairsOK {
		if _, e := topology.Build(ports, pairs); e != nil {
			add(e)
		}
	}
	if c.Queues < 1 || c.Queues > topology.MaxPortsPerCore {
		add(fmt.Errorf("queues must be in [1, %d], got %d", topology.MaxPortsPerCore, c.Queues))
	}
	if c.Period < 0 || c.Period > MaxPeriod {
		add(fmt.Errorf("period must be in [0, %d] seconds, got %d", MaxPeriod, c.Period))
	}
	if _, e := fwd.ParseMode(c.Mode); e != nil {
		add(e)
	}
	if c.Burst < 1 {
		add(fmt.Errorf("burst must be positive, got %d", c.Burst))
	}
	if c.Drain <= 0 {
		add(fmt.Errorf("drain interval must be positive, got %s", c.Drain))
	}
	for _, core := range c.Cores {
		if core < 0 {
			add(fmt.Errorf("invalid core %d", core))
		}
	}
	if c.LinkWait < 0 {
		add(fmt.Errorf("link wait must not be negative, got %s", c.LinkWait))
	}
	if c.UMEM.FrameSize < 2*datasize.KB || c.UMEM.FrameSize > 4*datasize.KB ||
		c.UMEM.FrameSize&(c.UMEM.FrameSize-1) != 0 {
		add(fmt.Errorf("umem frame size must be 2KB or 4KB, got %s", c.UMEM.FrameSize.HR()))
	}
	if c.UMEM.NumFrames < c.UMEM.RxSize+c.UMEM.TxSize {
		add(fmt.Errorf(
			"umem num-frames (%d) must be >= rx-size + tx-size (%d)",
			c.UMEM.NumFrames, c.UMEM.RxSize+c.UMEM.TxSize,
		))
	}
	for _, ring := range []struct {
		name string
		size uint32
	}{{"rx-size", c.UMEM.RxSize}, {"tx-size", c.UMEM.TxSize}} {
		if ring.size == 0 || ring.size&(ring.size-1) != 0 {
			add(fmt.Errorf("umem %s must be a power of two, got %d", ring.name, ring.size))
		}
	}

	if err != nil {
		return &dataplane.ConfigError{Err: err}
	}
	return nil
}

// Ports returns the enabled ports. c must be valid.
func (c *Config) Ports() ([]dataplane.PortID, error) {
	return topology.ParsePortMask(c.PortMask)
}

// Pairs returns the explicit port pairs, if any. c must be valid.
func (c *Config) Pairs() ([]topology.Pair, error) {
	if c.PortMap == "" {
		return nil, nil
	}
	return topology.ParsePairs(c.PortMap)
}

// Forwarding returns the forwarding loop configuration. c must be valid.
func (c *Config) Forwarding() fwd.Config {
	mode, _ := fwd.ParseMode(c.Mode)
	cfg := fwd.DefaultConfig()
	cfg.Burst = c.Burst
	cfg.DrainInterval = c.Drain
	cfg.ReportPeriod = time.Duration(c.Period) * time.Second
	cfg.Mode = mode
	cfg.MACRewrite = c.MACUpdating
	cfg.PinCores = c.Pin
	return cfg
}

func unwrapConfig(err error) error {
	var ce *dataplane.ConfigError
	if errors.As(err, &ce) {
		return ce.Err
	}
	return err
}
