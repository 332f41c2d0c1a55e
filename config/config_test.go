package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/romshark/afxdp-l2fwd/config"
	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/fwd"
	"github.com/romshark/afxdp-l2fwd/topology"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "l2fwd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
portmask: "0xf"
queues: 2
period: 0
mac-updating: false
portmap: "(0,3)(1,2)"
ifaces: [eth0, eth1, eth2, eth3]
mode: latency
drain: 50us
umem:
  frame-size: 4KB
log:
  level: debug
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Queues)
	assert.Equal(t, 0, cfg.Period)
	assert.False(t, cfg.MACUpdating)
	assert.Equal(t, []string{"eth0", "eth1", "eth2", "eth3"}, cfg.Ifaces)
	assert.Equal(t, 50*time.Microsecond, cfg.Drain)
	assert.Equal(t, 4*datasize.KB, cfg.UMEM.FrameSize)
	assert.Equal(t, zapcore.DebugLevel, cfg.Log.Level)

	// Unset keys keep their defaults.
	assert.Equal(t, fwd.DefaultBurst, cfg.Burst)
	assert.Equal(t, uint32(4096), cfg.UMEM.NumFrames)
	assert.Equal(t, config.DefaultLinkWait, cfg.LinkWait)

	ports, err := cfg.Ports()
	require.NoError(t, err)
	assert.Equal(t, []dataplane.PortID{0, 1, 2, 3}, ports)

	pairs, err := cfg.Pairs()
	require.NoError(t, err)
	assert.Equal(t, []topology.Pair{{A: 0, B: 3}, {A: 1, B: 2}}, pairs)

	fc := cfg.Forwarding()
	assert.Equal(t, fwd.ModeLatency, fc.Mode)
	assert.Zero(t, fc.ReportPeriod)
	assert.False(t, fc.MACRewrite)
	assert.Equal(t, 50*time.Microsecond, fc.DrainInterval)
}

func TestLoadMalformed(t *testing.T) {
	_, err := config.Load(writeFile(t, "queues: [1"))
	require.Error(t, err)
	assert.True(t, dataplane.IsConfigError(err))

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.False(t, dataplane.IsConfigError(err))
}

func TestDefaultsNeedPortMask(t *testing.T) {
	cfg := config.DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "portmask is required")

	cfg.PortMask = "0x3"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, fwd.DefaultReportPeriod, cfg.Forwarding().ReportPeriod)
	assert.True(t, cfg.Forwarding().MACRewrite)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PortMask = "0x0"
	cfg.Queues = 17
	cfg.Period = config.MaxPeriod + 1
	cfg.Mode = "mirror"
	cfg.Burst = 0
	cfg.UMEM.FrameSize = 3 * datasize.KB

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, dataplane.IsConfigError(err))

	var ce *dataplane.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, multierr.Errors(ce.Err), 6)
	assert.Equal(t, 1, strings.Count(err.Error(), "invalid configuration"))
}

func TestValidateBoundaries(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*config.Config)
		ok     bool
	}{
		{"period zero", func(c *config.Config) { c.Period = 0 }, true},
		{"period max", func(c *config.Config) { c.Period = config.MaxPeriod }, true},
		{"period negative", func(c *config.Config) { c.Period = -1 }, false},
		{"queues max", func(c *config.Config) { c.Queues = topology.MaxPortsPerCore }, true},
		{"queues zero", func(c *config.Config) { c.Queues = 0 }, false},
		{"drain zero", func(c *config.Config) { c.Drain = 0 }, false},
		{"bad portmap", func(c *config.Config) { c.PortMap = "(0,1" }, false},
		{"mask beyond ifaces", func(c *config.Config) { c.Ifaces = []string{"eth0"} }, false},
		{"mask within ifaces", func(c *config.Config) { c.Ifaces = []string{"eth0", "eth1"} }, true},
		{"pairs overlap", func(c *config.Config) { c.PortMap = "(0,1)(1,0)" }, false},
		{"pair names disabled port", func(c *config.Config) { c.PortMap = "(0,2)" }, false},
		{"pairs cover mask", func(c *config.Config) { c.PortMap = "(0,1)" }, true},
		{"negative core", func(c *config.Config) { c.Cores = []int{0, -1} }, false},
		{"rings exceed frames", func(c *config.Config) { c.UMEM.NumFrames = 1024 }, false},
		{"ring not power of two", func(c *config.Config) { c.UMEM.RxSize = 1000 }, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.PortMask = "0x3"
			tc.modify(cfg)
			if tc.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}
