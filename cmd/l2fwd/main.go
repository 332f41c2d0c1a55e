//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/afxdp-l2fwd/afxdp"
	"github.com/romshark/afxdp-l2fwd/config"
	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/fwd"
	"github.com/romshark/afxdp-l2fwd/ifacestat"
	"github.com/romshark/afxdp-l2fwd/logging"
	"github.com/romshark/afxdp-l2fwd/metrics"
	"github.com/romshark/afxdp-l2fwd/report"
	"github.com/romshark/afxdp-l2fwd/stats"
)

var opts options

var rootCmd = &cobra.Command{
	Use:   "l2fwd",
	Short: "AF_XDP layer 2 forwarder with one-way latency measurement",
	Long: `l2fwd forwards every frame received on a port to its paired port,
busy polling each port from a dedicated core. Frames carrying a send
timestamp are measured for one-way latency and jitter.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return execute(cmd, &opts, run)
	},
}

// execute loads the configuration and runs it. Any ConfigError, whether
// raised while loading or during bring-up, prints the usage.
func execute(cmd *cobra.Command, o *options, run func(*config.Config) error) error {
	err := func() error {
		cfg, err := loadConfig(cmd, o)
		if err != nil {
			return err
		}
		return run(cfg)
	}()
	switch {
	case err == nil, errors.Is(err, Interrupted{}):
		return nil
	case dataplane.IsConfigError(err):
		_ = cmd.Usage()
	}
	return err
}

func init() {
	opts.register(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log, _, err := logging.Init(&cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cpus, err := fwd.AvailableCPUs()
	if err != nil {
		return fmt.Errorf("reading CPU affinity: %w", err)
	}
	l, err := plan(cfg, cpus, log)
	if err != nil {
		return err
	}

	tr, err := afxdp.Open(afxdp.TransportConfig{
		Ports: l.ports,
		Socket: afxdp.SocketConfig{
			FrameSize: uint32(cfg.UMEM.FrameSize.Bytes()),
			NumFrames: cfg.UMEM.NumFrames,
			RxSize:    cfg.UMEM.RxSize,
			TxSize:    cfg.UMEM.TxSize,
			CqSize:    cfg.UMEM.TxSize,
		},
		InterfaceConfig: afxdp.InterfaceConfig{PreferZerocopy: cfg.Zerocopy},
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			log.Errorw("failed to close transport", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.LinkWait > 0 {
		down, err := ifacestat.WaitLinksUp(ctx, l.ifaceNames(), cfg.LinkWait, nil, log)
		if err != nil {
			return fmt.Errorf("checking link status: %w", err)
		}
		if len(down) > 0 {
			log.Warnf("starting with %d links down", len(down))
		}
	}

	nic, nicBefore := nicSnapshot(l.ifaceNames(), log)
	if nic != nil {
		defer nic.Close()
	}

	ports := tr.Ports()
	table := stats.NewTable(l.topology.Ports())
	start := time.Now()
	task := report.New(os.Stdout, table, ports,
		report.WithDevices(tr),
		report.WithClearScreen(cfg.Clear),
		report.WithStart(start),
		report.WithLog(log),
	)

	engine, err := fwd.Build(cfg.Forwarding(), fwd.Plan{
		Ports:    ports,
		Topology: l.topology,
		Cores:    l.cores,
	}, tr, table,
		fwd.WithLog(log),
		fwd.WithReporter(task),
	)
	if err != nil {
		return err
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return engine.Run(ctx)
	})
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		if errors.Is(err, Interrupted{}) {
			log.Infof("caught signal: %v", err)
		}
		return err
	})
	if cfg.MetricsListen != "" {
		reg := metrics.NewRegistry(metrics.NewCollector(table, ports))
		wg.Go(func() error {
			return metrics.Serve(ctx, cfg.MetricsListen, reg, log)
		})
	}

	err = wg.Wait()
	log.Info("all cores stopped")

	task.Final(time.Now())
	if nic != nil && nicBefore != nil {
		if after, e := ifacestat.Snapshot(nic, l.ifaceNames(), ifacestat.AllCounters...); e == nil {
			fmt.Println("NIC counters:")
			ifacestat.Print(os.Stdout, after.Since(nicBefore), l.aliases())
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// nicSnapshot reads the NIC counters before forwarding starts.
// NIC counters are informational; failures are only logged.
func nicSnapshot(ifaces []string, log *zap.SugaredLogger) (*ifacestat.Ethtool, ifacestat.Stats) {
	nic, err := ifacestat.NewEthtool()
	if err != nil {
		log.Warnw("NIC counters unavailable", zap.Error(err))
		return nil, nil
	}
	before, err := ifacestat.Snapshot(nic, ifaces, ifacestat.AllCounters...)
	if err != nil {
		log.Warnw("NIC counters unavailable", zap.Error(err))
		return nic, nil
	}
	return nic, before
}
