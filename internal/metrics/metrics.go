// Package metrics holds the Prometheus collectors of a capture run.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sidech-collector/internal/logging"
)

const namespace = "sidech"

// Metrics holds all collectors, registered on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	Datagrams prometheus.Counter // datagrams received
	Bytes     prometheus.Counter // payload bytes received
	Timeouts  prometheus.Counter // receive liveness timeouts
	Faults    prometheus.Counter // transport faults

	Rejected  *prometheus.CounterVec // payloads rejected, by reason
	Frames    *prometheus.CounterVec // decoded transactions, by kind
	QueueFull *prometheus.CounterVec // backpressure terminations, by stage
	Warnings  prometheus.Counter     // decoder warnings

	QueueDepth   prometheus.Gauge     // payloads waiting for the coordinator
	DecodeTime   prometheus.Histogram // time spent decoding one payload
	RecordedSize prometheus.Counter   // bytes appended to the raw recorder
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Datagrams: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "udp",
			Name: "datagrams_total", Help: "Number of side-channel datagrams received.",
		}),
		Bytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "udp",
			Name: "received_bytes_total", Help: "Number of payload bytes received.",
		}),
		Timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "udp",
			Name: "timeouts_total", Help: "Number of receive liveness timeouts.",
		}),
		Faults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "udp",
			Name: "faults_total", Help: "Number of transport faults.",
		}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture",
			Name: "rejected_payloads_total", Help: "Number of payloads rejected by the coordinator.",
		}, []string{"reason"}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture",
			Name: "frames_total", Help: "Number of decoded transactions.",
		}, []string{"kind"}),
		QueueFull: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture",
			Name: "queue_full_total", Help: "Number of backpressure terminations.",
		}, []string{"stage"}),
		Warnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture",
			Name: "decode_warnings_total", Help: "Number of decoder warnings.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capture",
			Name: "queue_depth", Help: "Payloads waiting in the receive queue.",
		}),
		DecodeTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "capture",
			Name: "decode_seconds", Help: "Time spent decoding one payload.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		RecordedSize: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recorder",
			Name: "written_bytes_total", Help: "Payload bytes appended to the raw chunk file.",
		}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Serve exposes the collectors on addr under /metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, msg logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	msg.Info("serving metrics", logging.F("addr", addr))
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
