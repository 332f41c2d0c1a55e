// Package metrics exports forwarding statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/stats"
)

// Collector implements prometheus.Collector, snapshotting the statistics
// table on each scrape.
type Collector struct {
	table *stats.Table
	names map[dataplane.PortID]string

	packetsTotal    *prometheus.Desc
	bytesTotal      *prometheus.Desc
	droppedTotal    *prometheus.Desc
	errorsTotal     *prometheus.Desc
	rxNoBufferTotal *prometheus.Desc
	tsErrorsTotal   *prometheus.Desc
	latencyMean     *prometheus.Desc
	jitter          *prometheus.Desc
	lastBurst       *prometheus.Desc

	latencySum     *prometheus.Desc
	latencySamples *prometheus.Desc
}

// NewCollector creates a collector over table.
func NewCollector(table *stats.Table, ports []dataplane.Port) *Collector {
	names := make(map[dataplane.PortID]string, len(ports))
	for _, p := range ports {
		names[p.ID] = p.Name
	}
	portLabels := []string{"port", "iface"}
	dirLabels := []string{"port", "iface", "direction"}
	return &Collector{
		table: table,
		names: names,

		packetsTotal: prometheus.NewDesc(
			"l2fwd_port_packets_total",
			"Total packets per port.",
			dirLabels, nil,
		),
		bytesTotal: prometheus.NewDesc(
			"l2fwd_port_bytes_total",
			"Total bytes per port.",
			dirLabels, nil,
		),
		droppedTotal: prometheus.NewDesc(
			"l2fwd_port_dropped_total",
			"Total frames rejected by the egress queue.",
			portLabels, nil,
		),
		errorsTotal: prometheus.NewDesc(
			"l2fwd_port_errors_total",
			"Device reported errors per port.",
			dirLabels, nil,
		),
		rxNoBufferTotal: prometheus.NewDesc(
			"l2fwd_port_rx_nobuf_total",
			"Frames lost because no receive buffer was available.",
			portLabels, nil,
		),
		tsErrorsTotal: prometheus.NewDesc(
			"l2fwd_port_timestamp_errors_total",
			"Frames with a missing or skewed send timestamp.",
			portLabels, nil,
		),
		latencyMean: prometheus.NewDesc(
			"l2fwd_port_latency_mean_seconds",
			"Mean one-way latency of frames received on the port.",
			portLabels, nil,
		),
		jitter: prometheus.NewDesc(
			"l2fwd_port_jitter_seconds",
			"Latency difference between the two most recent frames.",
			portLabels, nil,
		),
		lastBurst: prometheus.NewDesc(
			"l2fwd_port_last_burst_frames",
			"Size of the most recent receive or transmit batch.",
			dirLabels, nil,
		),
		latencySum: prometheus.NewDesc(
			"l2fwd_latency_seconds_sum",
			"Sum of all latency samples.",
			nil, nil,
		),
		latencySamples: prometheus.NewDesc(
			"l2fwd_latency_samples_total",
			"Number of latency samples.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsTotal
	ch <- c.bytesTotal
	ch <- c.droppedTotal
	ch <- c.errorsTotal
	ch <- c.rxNoBufferTotal
	ch <- c.tsErrorsTotal
	ch <- c.latencyMean
	ch <- c.jitter
	ch <- c.lastBurst
	ch <- c.latencySum
	ch <- c.latencySamples
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.table.Snapshot()
	for _, p := range s.Ports {
		port, iface := strconv.Itoa(int(p.ID)), c.names[p.ID]

		counter := func(d *prometheus.Desc, v uint64, extra ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v),
				append([]string{port, iface}, extra...)...)
		}
		gauge := func(d *prometheus.Desc, v float64, extra ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v,
				append([]string{port, iface}, extra...)...)
		}

		counter(c.packetsTotal, p.Rx, "rx")
		counter(c.packetsTotal, p.Tx, "tx")
		counter(c.bytesTotal, p.RxBytes, "rx")
		counter(c.bytesTotal, p.TxBytes, "tx")
		counter(c.droppedTotal, p.Dropped)
		counter(c.errorsTotal, p.RxError, "rx")
		counter(c.errorsTotal, p.TxError, "tx")
		counter(c.rxNoBufferTotal, p.RxNoMbuf)
		counter(c.tsErrorsTotal, p.TimestampErrors)
		gauge(c.latencyMean, p.MeanLatency.Seconds())
		gauge(c.jitter, p.Jitter.Seconds())
		gauge(c.lastBurst, float64(p.RxBurst), "rx")
		gauge(c.lastBurst, float64(p.TxBurst), "tx")
	}
	ch <- prometheus.MustNewConstMetric(c.latencySum, prometheus.GaugeValue, s.Totals.LatencySum.Seconds())
	ch <- prometheus.MustNewConstMetric(c.latencySamples, prometheus.CounterValue, float64(s.Totals.LatencySamples))
}

// NewRegistry returns an isolated registry with the collector and the Go
// runtime collectors registered.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// Serve exposes reg on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("serving metrics on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
