// Package collector runs the side-channel capture pipeline: a receive loop
// feeding a bounded queue and a coordinator classifying, validating and
// decoding each payload.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sidech-collector/internal/chunkfile"
	"sidech-collector/internal/decoder"
	"sidech-collector/internal/logging"
	"sidech-collector/internal/metrics"
	"sidech-collector/internal/stats"
)

const (
	startBeeps   = 4
	endBeeps     = 8
	minuteBeeps  = 1
	beepInterval = 100 * time.Millisecond
)

// Options configures a capture run.
type Options struct {
	Layout       decoder.Layout
	SamplingTime time.Duration // measured from the first frame, <= 0 runs until shutdown
	StartupGrace time.Duration // wait for the first frame, <= 0 waits forever
	StartDelay   time.Duration // wait before the receive loop starts
	PollInterval time.Duration // progress and deadline checks
	QueueSize    int           // receive queue capacity
	Receiver     ReceiverConfig

	Beep     bool      // terminal bell at start, every minute and at end
	Progress bool      // print the percentage of the sampling time done
	Terminal io.Writer // bell, progress and summary output

	Recorder *chunkfile.Writer // optional raw recording of accepted payloads
	Forward  chan<- Forwarded  // optional downstream consumer
	DataGen  chan struct{}     // closed on exit to stop a data generation peer
}

// Forwarded is handed to the downstream consumer for every decoded payload.
type Forwarded struct {
	Frames int
	Record decoder.Record
}

// Collector is the capture coordinator.
type Collector struct {
	id   string
	opts Options
	sig  *Signals
	base logging.Logger
	msg  logging.Logger
	mon  *metrics.Metrics

	beepInterval time.Duration

	start    time.Time
	first    time.Time
	last     time.Time
	frames   int
	payloads int
	rejected int
	warnings int
	percent  map[int]struct{}
	minutes  int
	file     *fileStats
}

// fileStats holds the framing counters of a capture file replay.
type fileStats struct {
	name      string
	skipped   int64
	truncated int
}

// NewCollector creates a coordinator. A nil logger discards messages and a nil
// metrics set is replaced by a private one.
func NewCollector(opts Options, msg logging.Logger, mon *metrics.Metrics) *Collector {
	if msg == nil {
		msg = logging.Nop()
	}
	if mon == nil {
		mon = metrics.New()
	}
	if opts.Terminal == nil {
		opts.Terminal = io.Discard
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	id := uuid.New().String()
	base := msg.With(logging.F("capture", id))
	return &Collector{
		id:           id,
		opts:         opts,
		sig:          NewSignals(),
		base:         base,
		msg:          base.With(logging.F("stage", "coordinator")),
		mon:          mon,
		beepInterval: beepInterval,
		percent:      make(map[int]struct{}),
	}
}

// ID identifies the capture run in logs and summaries.
func (c *Collector) ID() string { return c.id }

// Signals returns the shutdown and fault flags of the run.
func (c *Collector) Signals() *Signals { return c.sig }

// Stop requests a cooperative stop of a running capture.
func (c *Collector) Stop() { c.sig.Shutdown() }

// Capture runs the receive loop on src and the coordinator until the
// sampling time elapses, the startup grace expires, or a stop is
// requested. The summary is returned even when err is non-nil.
func (c *Collector) Capture(ctx context.Context, src Source) (Summary, error) {
	if c.opts.StartDelay > 0 {
		c.msg.Info("delaying capture start", logging.F("delay", c.opts.StartDelay))
		select {
		case <-time.After(c.opts.StartDelay):
		case <-c.sig.Done():
			_ = src.Close()
			return c.finish(nil), nil
		case <-ctx.Done():
			_ = src.Close()
			c.sig.Shutdown()
			return c.finish(nil), nil
		}
	}

	// Start receiver and coordinator
	queue := make(chan []byte, c.opts.QueueSize)
	rcv := NewReceiver(src, queue, c.sig, c.opts.Receiver, c.base, c.mon)

	var (
		sum  Summary
		grp  errgroup.Group
		rerr error
	)
	grp.Go(func() error {
		_, rerr = rcv.Run(ctx)
		return rerr
	})
	grp.Go(func() error {
		var err error
		sum, err = c.Run(ctx, queue)
		return err
	})
	err := grp.Wait()
	if rerr != nil {
		sum.Reason = rerr.Error()
	}
	return sum, err
}

// Run is the coordinator loop, consuming queue until termination. On
// termination it signals a shutdown and keeps handling payloads until the
// writer closes queue, so the writer must close it once a shutdown is
// signalled.
func (c *Collector) Run(ctx context.Context, queue <-chan []byte) (sum Summary, err error) {
	c.start = time.Now()
	defer func() {
		sum = c.finish(err)
	}()

	tick := time.NewTicker(c.opts.PollInterval)
	defer tick.Stop()

	for c.continueLoop() {
		select {
		case p, ok := <-queue:
			if !ok {
				c.msg.Info("receive queue closed")
				return sum, nil
			}
			c.mon.QueueDepth.Set(float64(len(queue)))
			if err := c.handle(p); err != nil {
				return sum, err
			}
		case <-tick.C:
			c.report()
		case <-c.sig.Done():
		case <-ctx.Done():
			c.msg.Info("capture interrupted", logging.F("err", ctx.Err()))
			c.sig.Shutdown()
		}
	}
	return sum, c.drain(queue)
}

// drain stops the receive side and handles what it queued before closing
// the queue.
func (c *Collector) drain(queue <-chan []byte) error {
	c.sig.Shutdown()
	n := 0
	for p := range queue {
		n++
		if err := c.handle(p); err != nil {
			return err
		}
	}
	if n > 0 {
		c.msg.Info("drained receive queue", logging.F("payloads", n))
	}
	return nil
}

// RunFile feeds every chunk of the named capture file through the
// coordinator. Timing limits do not apply; the run ends at end of file.
func (c *Collector) RunFile(ctx context.Context, fname string) (sum Summary, err error) {
	r, err := chunkfile.Open(fname, c.msg.With(logging.F("file", fname)))
	if err != nil {
		return Summary{}, err
	}
	defer r.Close()

	c.start = time.Now()
	defer func() {
		c.file = &fileStats{name: fname, skipped: r.Skipped(), truncated: r.Truncated()}
		sum = c.finish(err)
	}()

	for r.Scan() {
		if ctx.Err() != nil || c.sig.IsShutdown() {
			c.msg.Info("file capture interrupted")
			return sum, nil
		}
		if err := c.handle(r.Chunk()); err != nil {
			return sum, err
		}
	}
	if err := r.Err(); err != nil {
		return sum, fmt.Errorf("failed to read capture file: %w", err)
	}
	return sum, nil
}

func (c *Collector) continueLoop() bool {
	if c.sig.IsShutdown() {
		c.msg.Info("shutdown requested, exiting")
		return false
	}
	elapsed := time.Since(c.start)
	if c.frames == 0 {
		if c.opts.StartupGrace > 0 && elapsed >= c.opts.StartupGrace {
			c.msg.Warn("no frame received within the startup grace period",
				logging.F("grace", c.opts.StartupGrace),
			)
			return false
		}
		return true
	}
	if c.opts.SamplingTime <= 0 {
		return true
	}
	return elapsed < c.opts.SamplingTime
}

// handle classifies, validates, records, decodes and forwards one payload.
// Only a failure to record or to forward is fatal.
func (c *Collector) handle(p []byte) error {
	c.payloads++

	// Classify from the discriminator bit
	kind, err := decoder.KindOf(p)
	if err != nil {
		c.reject("short", "failed to classify payload", logging.F("err", err))
		return nil
	}
	// Only whole transactions can be decoded
	if n := c.opts.Layout.BytesPerTrans(kind); len(p)%n != 0 {
		c.reject("length", fmt.Sprintf("abnormal %v data length", kind),
			logging.F("len", len(p)), logging.F("expected", n),
		)
		return nil
	}

	// Record raw payload before decoding
	if c.opts.Recorder != nil {
		if err := c.opts.Recorder.WriteChunk(p); err != nil {
			c.msg.Error("failed to record raw payload", logging.F("err", err))
			return fmt.Errorf("failed to record raw payload: %w", err)
		}
		c.mon.RecordedSize.Add(float64(len(p)))
	}

	beg := time.Now()
	rec, err := c.opts.Layout.Decode(p)
	c.mon.DecodeTime.Observe(time.Since(beg).Seconds())
	if err != nil {
		reason := "decode"
		if errors.Is(err, decoder.ErrUnexpectedKind) {
			reason = "kind"
		}
		c.reject(reason, "failed to decode payload", logging.F("err", err))
		return nil
	}

	// the run starts with the first accepted payload.
	now := time.Now()
	c.last = now
	if c.frames == 0 {
		c.start = now
		c.first = now
		c.msg.Info("first sample", logging.F("time", now.Format(time.RFC3339Nano)))
		if c.opts.Beep {
			c.beep(startBeeps)
		}
	}

	for _, w := range rec.Warnings {
		c.msg.Warn(w, logging.F("kind", rec.Kind))
	}
	c.warnings += len(rec.Warnings)
	c.mon.Warnings.Add(float64(len(rec.Warnings)))

	// Update counters
	n := rec.NumFrames()
	c.frames += n
	c.mon.Frames.WithLabelValues(rec.Kind.String()).Add(float64(n))
	c.msg.Debug("decoded payload", logging.F("n_frames", n), logging.F("kind", rec.Kind))

	if c.msg.Enabled(logging.Debug) {
		for _, s := range stats.Record(rec) {
			c.msg.Debug("stream statistics",
				logging.F("stream", s.Name),
				logging.F("n", s.N),
				logging.F("power_db", fmt.Sprintf("%.2f", s.PowerDB)),
				logging.F("peak", fmt.Sprintf("%.1f", s.PeakAmp)),
			)
		}
		if rec.Kind == decoder.KindCSI && len(rec.CSI) > 0 {
			_, tap := stats.DelayProfile(rec.CSI[0].CSI)
			c.msg.Debug("csi delay profile", logging.F("peak_tap", tap))
		}
	}

	// Hand the record downstream without blocking
	if c.opts.Forward != nil {
		select {
		case c.opts.Forward <- Forwarded{Frames: n, Record: rec}:
		default:
			c.mon.QueueFull.WithLabelValues("coordinator").Inc()
			c.msg.Error("downstream queue is full, stopping capture",
				logging.F("capacity", cap(c.opts.Forward)),
			)
			return fmt.Errorf("downstream: %w", ErrQueueFull)
		}
	}
	return nil
}

func (c *Collector) reject(reason, msg string, fields ...logging.Field) {
	c.rejected++
	c.mon.Rejected.WithLabelValues(reason).Inc()
	c.msg.Error(msg, fields...)
}

// report prints the progress once per whole percent and rings the bell
// once per elapsed minute.
func (c *Collector) report() {
	if c.frames == 0 {
		return
	}
	elapsed := time.Since(c.start)
	if c.opts.Progress && c.opts.SamplingTime > 0 {
		pct := int(math.Round(float64(elapsed) / float64(c.opts.SamplingTime) * 100))
		if _, dup := c.percent[pct]; !dup {
			c.percent[pct] = struct{}{}
			fmt.Fprintf(c.opts.Terminal, "\tMeasurements: %d%%\r", pct)
		}
	}
	if c.opts.Beep {
		if m := int(elapsed / time.Minute); m > c.minutes {
			c.minutes = m
			c.beep(minuteBeeps)
		}
	}
}

func (c *Collector) beep(n int) {
	for i := 0; i < n; i++ {
		fmt.Fprint(c.opts.Terminal, "\a")
		if c.beepInterval > 0 {
			time.Sleep(c.beepInterval)
		}
	}
}

// finish stops the receive side, prints the summary and releases the peers.
func (c *Collector) finish(err error) Summary {
	c.sig.Shutdown()

	end := time.Now()
	if c.frames > 0 {
		end = c.last
	}
	if c.start.IsZero() {
		c.start = end
	}
	sum := Summary{
		ID:       c.id,
		Start:    c.start,
		First:    c.first,
		End:      end,
		Frames:   c.frames,
		Payloads: c.payloads,
		Rejected: c.rejected,
		Warnings: c.warnings,
		Fault:    c.sig.IsFault(),
	}
	if c.file != nil {
		sum.Input = c.file.name
		sum.Skipped = c.file.skipped
		sum.Truncated = c.file.truncated
	}
	sum.Duration = sum.End.Sub(sum.Start)
	if secs := sum.Duration.Seconds(); secs > 0 {
		sum.Rate = float64(sum.Frames) / secs
	}
	if err != nil {
		sum.Reason = err.Error()
	}

	if c.frames > 0 {
		c.msg.Info("last sample", logging.F("time", c.last.Format(time.RFC3339Nano)))
	}
	sum.Print(c.opts.Terminal)

	if c.opts.Beep {
		c.beep(endBeeps)
	}
	if c.opts.DataGen != nil {
		c.msg.Info("sending exit command to data generator")
		close(c.opts.DataGen)
	}
	return sum
}

// Summary reports the statistics of a capture run.
type Summary struct {
	ID        string
	Start     time.Time // first frame, or start of the run without frames
	First     time.Time
	End       time.Time // last frame, or end of the run without frames
	Duration  time.Duration
	Frames    int
	Rate      float64 // frames per second
	Payloads  int
	Rejected  int
	Warnings  int
	Input     string // capture file, empty for a live capture
	Skipped   int64 // bytes skipped while resynchronizing a capture file
	Truncated int   // incomplete chunks of a capture file
	Fault     bool
	Reason    string
}

// Print writes the summary in a human readable form.
func (s Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "\nCapture done\n")
	if s.ID != "" {
		fmt.Fprintf(w, "\tCapture ID: %s\n", s.ID)
	}
	fmt.Fprintf(w, "\tMeasured for: %.3f seconds\n", s.Duration.Seconds())
	fmt.Fprintf(w, "\tCapture: %d frames\n", s.Frames)
	fmt.Fprintf(w, "\tCapture rate: %.3f sps\n", s.Rate)
	if s.Rejected > 0 {
		fmt.Fprintf(w, "\tRejected: %d of %d payloads\n", s.Rejected, s.Payloads)
	}
	if s.Warnings > 0 {
		fmt.Fprintf(w, "\tDecoder warnings: %d\n", s.Warnings)
	}
	if s.Input != "" {
		fmt.Fprintf(w, "\tCapture file: %s\n", s.Input)
		fmt.Fprintf(w, "\tSkipped: %d bytes\n", s.Skipped)
		fmt.Fprintf(w, "\tTruncated: %d chunks\n", s.Truncated)
	}
	if s.Reason != "" {
		fmt.Fprintf(w, "\tStopped: %s\n", s.Reason)
	}
}
