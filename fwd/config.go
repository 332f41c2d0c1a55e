package fwd

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/afxdp-l2fwd/txbuf"
)

const (
	DefaultBurst         = 32
	DefaultDrainInterval = 100 * time.Microsecond
	DefaultReportPeriod  = 10 * time.Second
	MaxReportPeriod      = 24 * time.Hour
)

// Mode selects what happens to a frame after its latency is recorded.
type Mode int

const (
	// ModeForward rewrites and forwards frames to the paired port.
	ModeForward Mode = iota
	// ModeLatency only measures latency and frees frames.
	ModeLatency
)

func (m Mode) String() string {
	switch m {
	case ModeForward:
		return "forward"
	case ModeLatency:
		return "latency"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "forward" or "latency".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "forward", "":
		return ModeForward, nil
	case "latency":
		return ModeLatency, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Config controls the forwarding loop.
type Config struct {
	// Burst is the maximum number of frames received per poll.
	Burst int
	// BufferCapacity is the transmit buffer capacity per egress port.
	BufferCapacity int
	// DrainInterval bounds the time a frame may wait in a transmit buffer.
	DrainInterval time.Duration
	// ReportPeriod is the reporting interval. Zero disables reporting.
	ReportPeriod time.Duration
	Mode         Mode
	// MACRewrite enables source and destination MAC rewriting on forward.
	MACRewrite bool
	// PinCores locks every core's goroutine to its CPU.
	PinCores bool
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Burst:          DefaultBurst,
		BufferCapacity: txbuf.DefaultCapacity,
		DrainInterval:  DefaultDrainInterval,
		ReportPeriod:   DefaultReportPeriod,
		Mode:           ModeForward,
		MACRewrite:     true,
	}
}

// Reporter is invoked periodically by the reporting core.
type Reporter interface {
	Report(now time.Time)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(now time.Time)

func (f ReporterFunc) Report(now time.Time) { f(now) }

type options struct {
	log      *zap.SugaredLogger
	reporter Reporter
	now      func() time.Duration
	wall     func() int64
}

// Option configures Build.
type Option func(*options)

// WithLog sets the logger used for lifecycle events.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

// WithReporter sets the periodic reporter run by the reporting core.
func WithReporter(r Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithClock overrides the monotonic clock driving drains and reports.
func WithClock(now func() time.Duration) Option {
	return func(o *options) { o.now = now }
}

// WithWallClock overrides the realtime clock used for latency, in Unix ns.
func WithWallClock(wall func() int64) Option {
	return func(o *options) { o.wall = wall }
}
