//go:build linux

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/romshark/afxdp-l2fwd/config"
	"github.com/romshark/afxdp-l2fwd/dataplane"
)

// options holds the raw command line. Only flags that were set override
// the configuration file.
type options struct {
	configPath    string
	portMask      string
	queues        int
	period        int
	macUpdating   bool
	noMACUpdating bool
	portMap       string
	ifaces        []string
	mode          string
	cores         []int
	burst         int
	drain         time.Duration
	pin           bool
	zerocopy      bool
	umemFrameSize string
	metricsListen string
	clear         bool
	logLevel      string
	linkWait      time.Duration
}

func (o *options) register(cmd *cobra.Command) {
	def := config.DefaultConfig()
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "Path to a YAML configuration file")
	f.StringVarP(&o.portMask, "portmask", "p", "", "Hexadecimal bitmask of the ports to forward between")
	f.IntVarP(&o.queues, "queues", "q", def.Queues, "Number of ports polled per core")
	f.IntVarP(&o.period, "period", "T", def.Period,
		fmt.Sprintf("Statistics report period in seconds (0 disables, max %d)", config.MaxPeriod))
	f.BoolVar(&o.macUpdating, "mac-updating", def.MACUpdating, "Rewrite source and destination MAC addresses")
	f.BoolVar(&o.noMACUpdating, "no-mac-updating", false, "Forward frames unmodified")
	f.StringVar(&o.portMap, "portmap", "", `Explicit port pairs, e.g. "(0,1)(2,3)"`)
	f.StringSliceVarP(&o.ifaces, "iface", "i", nil, "Interfaces in port order; port i is the i-th interface")
	f.StringVar(&o.mode, "mode", def.Mode, "forward or latency")
	f.IntSliceVar(&o.cores, "cores", nil, "CPUs to run forwarding cores on (default: process affinity)")
	f.IntVar(&o.burst, "burst", def.Burst, "Maximum frames received per poll")
	f.DurationVar(&o.drain, "drain", def.Drain, "Transmit buffer drain interval")
	f.BoolVar(&o.pin, "pin", def.Pin, "Pin forwarding cores to their CPUs")
	f.BoolVar(&o.zerocopy, "zerocopy", def.Zerocopy,
		"Prefer zero-copy AF_XDP (falls back to copy mode if not supported)")
	f.StringVar(&o.umemFrameSize, "umem-frame-size", def.UMEM.FrameSize.String(), "UMEM frame size (2KB or 4KB)")
	f.StringVar(&o.metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address")
	f.BoolVar(&o.clear, "clear", def.Clear, "Clear the terminal before every report")
	f.StringVar(&o.logLevel, "log-level", def.Log.Level.String(), "Log level")
	f.DurationVar(&o.linkWait, "link-wait", def.LinkWait, "Maximum time to wait for links to come up (0 skips)")
	cmd.MarkFlagsMutuallyExclusive("mac-updating", "no-mac-updating")
}

// loadConfig reads the configuration file, if any, applies the flags the
// user set and validates the result.
func loadConfig(cmd *cobra.Command, o *options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("portmask") {
		cfg.PortMask = o.portMask
	}
	if changed("queues") {
		cfg.Queues = o.queues
	}
	if changed("period") {
		cfg.Period = o.period
	}
	if changed("mac-updating") {
		cfg.MACUpdating = o.macUpdating
	}
	if changed("no-mac-updating") {
		cfg.MACUpdating = !o.noMACUpdating
	}
	if changed("portmap") {
		cfg.PortMap = o.portMap
	}
	if changed("iface") {
		cfg.Ifaces = o.ifaces
	}
	if changed("mode") {
		cfg.Mode = o.mode
	}
	if changed("cores") {
		cfg.Cores = o.cores
	}
	if changed("burst") {
		cfg.Burst = o.burst
	}
	if changed("drain") {
		cfg.Drain = o.drain
	}
	if changed("pin") {
		cfg.Pin = o.pin
	}
	if changed("zerocopy") {
		cfg.Zerocopy = o.zerocopy
	}
	if changed("metrics-listen") {
		cfg.MetricsListen = o.metricsListen
	}
	if changed("clear") {
		cfg.Clear = o.clear
	}
	if changed("link-wait") {
		cfg.LinkWait = o.linkWait
	}

	var flagErrs []error
	if changed("umem-frame-size") {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(o.umemFrameSize)); err != nil {
			flagErrs = append(flagErrs, fmt.Errorf("invalid --umem-frame-size %q: %w", o.umemFrameSize, err))
		}
		cfg.UMEM.FrameSize = size
	}
	if changed("log-level") {
		level, err := zapcore.ParseLevel(o.logLevel)
		if err != nil {
			flagErrs = append(flagErrs, err)
		}
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil || len(flagErrs) > 0 {
		var ce *dataplane.ConfigError
		if errors.As(err, &ce) {
			err = ce.Err
		}
		return nil, &dataplane.ConfigError{Err: multierr.Append(multierr.Combine(flagErrs...), err)}
	}
	return cfg, nil
}
