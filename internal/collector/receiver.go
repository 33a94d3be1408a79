package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sidech-collector/internal/logging"
	"sidech-collector/internal/metrics"
	"sidech-collector/internal/udp"
)

var (
	ErrTooManyTimeouts = errors.New("collector: too many consecutive receive timeouts")
	ErrQueueFull       = errors.New("collector: queue full")
)

// Source delivers raw datagrams. *udp.Source implements it.
type Source interface {
	Receive(ctx context.Context, maxWait time.Duration) udp.Result
	Close() error
}

// ReceiverConfig holds the liveness policy of the receive loop.
type ReceiverConfig struct {
	LivenessTimeout time.Duration // wait per receive
	MaxTimeouts     int           // consecutive timeouts tolerated before a fault
}

// ReceiverStats summarizes a receive loop run.
type ReceiverStats struct {
	Datagrams int
	Bytes     int64
	Timeouts  int // total, not only consecutive
}

// Receiver pulls datagrams from a Source and hands them to the coordinator
// through a bounded queue. It is the only writer of the queue and closes it
// when the loop ends. It never blocks on a full queue, backpressure ends the
// loop and leaves the queued payloads to the coordinator.
type Receiver struct {
	src   Source
	queue chan<- []byte
	sig   *Signals
	cfg   ReceiverConfig
	msg   logging.Logger
	mon   *metrics.Metrics
}

func NewReceiver(src Source, queue chan<- []byte, sig *Signals, cfg ReceiverConfig, msg logging.Logger, mon *metrics.Metrics) *Receiver {
	if msg == nil {
		msg = logging.Nop()
	}
	if mon == nil {
		mon = metrics.New()
	}
	return &Receiver{
		src:   src,
		queue: queue,
		sig:   sig,
		cfg:   cfg,
		msg:   msg.With(logging.F("stage", "receiver")),
		mon:   mon,
	}
}

// Run receives until a shutdown or a fault is signalled. The source and the
// queue are closed on return. The returned error is nil for a cooperative
// stop.
func (r *Receiver) Run(ctx context.Context) (ReceiverStats, error) {
	var stats ReceiverStats
	defer func() {
		close(r.queue)
		if err := r.src.Close(); err != nil {
			r.msg.Warn("failed to close source", logging.F("err", err))
		}
		r.msg.Info("receive loop ended",
			logging.F("datagrams", stats.Datagrams),
			logging.F("bytes", stats.Bytes),
			logging.F("timeouts", stats.Timeouts),
		)
	}()

	// a shutdown requested by the coordinator must unblock a pending receive.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.sig.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	timeouts := 0
	for !r.sig.IsShutdown() && !r.sig.IsFault() {
		res := r.src.Receive(ctx, r.cfg.LivenessTimeout)
		switch res.Status {
		case udp.Timeout:
			timeouts++
			stats.Timeouts++
			r.mon.Timeouts.Inc()
			r.msg.Warn("receive timeout", logging.F("count", timeouts))
			if timeouts > r.cfg.MaxTimeouts {
				r.msg.Error("receive timeout count exceeded, giving up",
					logging.F("count", timeouts), logging.F("max", r.cfg.MaxTimeouts),
				)
				r.sig.Fault()
				return stats, fmt.Errorf("%w (%d)", ErrTooManyTimeouts, timeouts)
			}

		case udp.Interrupted:
			r.msg.Info("receive interrupted", logging.F("err", res.Err))
			r.sig.Shutdown()
			return stats, nil

		case udp.Fault:
			r.mon.Faults.Inc()
			r.msg.Error("receive failed", logging.F("err", res.Err))
			r.sig.Fault()
			return stats, fmt.Errorf("collector: transport fault: %w", res.Err)

		case udp.OK:
			timeouts = 0
			stats.Datagrams++
			stats.Bytes += int64(len(res.Data))
			r.mon.Datagrams.Inc()
			r.mon.Bytes.Add(float64(len(res.Data)))

			select {
			case r.queue <- res.Data:
				r.mon.QueueDepth.Set(float64(len(r.queue)))
			default:
				r.mon.QueueFull.WithLabelValues("receiver").Inc()
				r.msg.Error("queue is full, stopping receive loop",
					logging.F("capacity", cap(r.queue)),
				)
				return stats, ErrQueueFull
			}

		default:
			r.sig.Fault()
			return stats, fmt.Errorf("collector: unknown receive status %v", res.Status)
		}
	}
	return stats, nil
}
