//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/romshark/afxdp-l2fwd/afxdp"
	"github.com/romshark/afxdp-l2fwd/logging"
	"github.com/romshark/afxdp-l2fwd/ratelimit"
	"github.com/romshark/afxdp-l2fwd/tstamp"
)

// Cmd is the command line arguments.
type Cmd struct {
	Iface    string
	DstMAC   string
	Count    uint64
	Rate     uint64
	Size     int
	Queue    uint32
	Batch    int
	Zerocopy bool
	LogLevel string
}

var cmd Cmd

var rootCmd = &cobra.Command{
	Use:   "talker",
	Short: "Send timestamped latency probe frames over AF_XDP",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&cmd.Iface, "iface", "i", "", "Interface to send on (required)")
	f.StringVarP(&cmd.DstMAC, "dst-mac", "d", "ff:ff:ff:ff:ff:ff", "Destination MAC address")
	f.Uint64VarP(&cmd.Count, "count", "n", 0, "Frames to send (0 sends until interrupted)")
	f.Uint64VarP(&cmd.Rate, "rate", "r", 0, "Frames per second (0 is unlimited)")
	f.IntVarP(&cmd.Size, "size", "l", 64, "Frame size in bytes")
	f.Uint32VarP(&cmd.Queue, "queue", "q", 0, "Queue ID")
	f.IntVar(&cmd.Batch, "batch", 64, "Frames submitted per batch")
	f.BoolVarP(&cmd.Zerocopy, "zerocopy", "z", false,
		"Prefer zerocopy (automatically falls back to copy mode if not supported)")
	f.StringVar(&cmd.LogLevel, "log-level", "info", "Log level")
	_ = rootCmd.MarkFlagRequired("iface")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	level, err := zapcore.ParseLevel(cmd.LogLevel)
	if err != nil {
		return err
	}
	log, _, err := logging.Init(&logging.Config{Level: level})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	dst, err := net.ParseMAC(cmd.DstMAC)
	if err != nil {
		return fmt.Errorf("invalid destination MAC: %w", err)
	}
	if cmd.Batch < 1 {
		return fmt.Errorf("batch must be positive, got %d", cmd.Batch)
	}

	iface, err := afxdp.NewInterface(cmd.Iface, afxdp.InterfaceConfig{PreferZerocopy: cmd.Zerocopy})
	if err != nil {
		return err
	}
	defer iface.Close()

	sock, err := iface.Open(afxdp.SocketConfig{QueueID: cmd.Queue})
	if err != nil {
		return fmt.Errorf("opening socket: %w", err)
	}
	defer sock.Close()

	if cmd.Size > int(sock.FrameSize()) {
		return fmt.Errorf("frame size %d exceeds UMEM frame size %d", cmd.Size, sock.FrameSize())
	}
	template, err := tstamp.ProbeTemplate(iface.MAC(), dst, cmd.Size)
	if err != nil {
		return err
	}

	log.Infow("sending probes",
		zap.String("iface", cmd.Iface),
		zap.Uint32("queue", cmd.Queue),
		zap.Stringer("src", iface.MAC()),
		zap.Stringer("dst", dst),
		zap.Int("size", len(template)),
		zap.Uint64("rate", cmd.Rate),
		zap.Bool("zerocopy", sock.IsZerocopy()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t := &talker{
		sock:     sock,
		template: template,
		limiter:  ratelimit.New(cmd.Rate),
		batch:    make([]afxdp.Frame, 0, cmd.Batch),
	}
	start := time.Now()
	err = t.send(ctx, cmd.Count)
	elapsed := time.Since(start)
	t.drain(time.Second)

	fmt.Fprintf(os.Stderr,
		"finished: sent=%s completed=%s bytes=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(t.sent)),
		humanize.Comma(int64(sock.Completed())),
		humanize.Bytes(t.sent*uint64(len(template))),
		elapsed.Truncate(time.Millisecond),
		humanize.Comma(int64(float64(t.sent)/elapsed.Seconds())),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type talker struct {
	sock     *afxdp.Socket
	template []byte
	limiter  *ratelimit.Limiter
	batch    []afxdp.Frame
	seq      uint64
	sent     uint64
}

// send transmits count probes, or until ctx is done when count is 0.
func (t *talker) send(ctx context.Context, count uint64) error {
	for count == 0 || t.sent < count {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := cap(t.batch)
		if count > 0 {
			want = int(min(uint64(want), count-t.sent))
		}

		t.batch = t.batch[:0]
		for range want {
			f := t.sock.NextFrame()
			if f.Buf == nil {
				break
			}
			f.Buf = f.Buf[:copy(f.Buf, t.template)]
			t.seq++
			_ = tstamp.Put(f.Buf, tstamp.Header{SendTime: tstamp.Now(), Seq: t.seq})
			t.batch = append(t.batch, f)
		}

		n := t.sock.SubmitBatch(t.batch)
		for _, f := range t.batch[n:] {
			t.sock.Recycle(f)
		}
		t.seq -= uint64(len(t.batch) - n)
		if n > 0 {
			if err := t.sock.FlushTx(); err != nil {
				return fmt.Errorf("flushing TX: %w", err)
			}
		}
		t.sent += uint64(n)
		t.sock.PollCompletions(uint32(cap(t.batch)))

		if n == 0 {
			if err := t.sock.Wait(1); err != nil {
				return fmt.Errorf("waiting for completions: %w", err)
			}
			continue
		}
		t.limiter.Wait(uint64(n))
	}
	return nil
}

// drain reclaims outstanding completions for up to timeout.
func (t *talker) drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for t.sock.Completed() < t.sent && time.Now().Before(deadline) {
		if t.sock.PollCompletions(uint32(cap(t.batch))) > 0 {
			continue
		}
		_ = t.sock.FlushTx()
		time.Sleep(time.Millisecond)
	}
}
