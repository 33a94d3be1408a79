package collector

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sidech-collector/internal/chunkfile"
	"sidech-collector/internal/decoder"
	"sidech-collector/internal/metrics"
	"sidech-collector/internal/udp"
)

// fakeSource replays a fixed list of results, then blocks until the
// receive context is done.
type fakeSource struct {
	mu      sync.Mutex
	results []udp.Result
	calls   int
	closed  bool
}

func (s *fakeSource) Receive(ctx context.Context, maxWait time.Duration) udp.Result {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i < len(s.results) {
		return s.results[i]
	}
	<-ctx.Done()
	return udp.Result{Status: udp.Interrupted, Err: ctx.Err()}
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) numCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func repeat(res udp.Result, n int) []udp.Result {
	out := make([]udp.Result, n)
	for i := range out {
		out[i] = res
	}
	return out
}

// closeOnShutdown plays the queue writer of a standalone coordinator.
func closeOnShutdown(sig *Signals, queue chan []byte) {
	go func() {
		<-sig.Done()
		close(queue)
	}()
}

func csiPayload(t *testing.T, numEq, nframes int) []byte {
	t.Helper()
	frames := make([]decoder.CSIFrame, nframes)
	for i := range frames {
		frames[i].Timestamps[0] = uint64(i + 1)
		frames[i].LOFreq = 2437000000
		frames[i].CSI = make([]complex64, decoder.CSILen)
		frames[i].CSI[0] = complex(float32(i+1), 0)
		frames[i].Equalizer = make([]complex64, numEq*decoder.EqualizerLen)
	}
	raw, err := decoder.EncodeCSI(numEq, frames)
	if err != nil {
		t.Fatalf("Failed to encode CSI: %v", err)
	}
	return raw
}

func TestReceiverTimeouts(t *testing.T) {
	src := &fakeSource{
		results: append(repeat(udp.Result{Status: udp.Timeout}, 11), udp.Result{Status: udp.OK, Data: []byte{1}}),
	}
	sig := NewSignals()
	queue := make(chan []byte, 4)
	rcv := NewReceiver(src, queue, sig, ReceiverConfig{LivenessTimeout: time.Millisecond, MaxTimeouts: 10}, nil, nil)

	stats, err := rcv.Run(context.Background())
	if !errors.Is(err, ErrTooManyTimeouts) {
		t.Fatalf("Expected error %v, got %v", ErrTooManyTimeouts, err)
	}
	if !sig.IsFault() || !sig.IsShutdown() {
		t.Fatalf("invalid signals: fault=%v, shutdown=%v", sig.IsFault(), sig.IsShutdown())
	}
	if got, want := src.numCalls(), 11; got != want {
		t.Fatalf("Expected number of receive attempts %d, got %d", want, got)
	}
	if got, want := stats.Timeouts, 11; got != want {
		t.Fatalf("Expected timeout count %d, got %d", want, got)
	}
	if !src.closed {
		t.Fatalf("source was not closed")
	}
}

func TestReceiverTimeoutReset(t *testing.T) {
	var results []udp.Result
	results = append(results, repeat(udp.Result{Status: udp.Timeout}, 10)...)
	results = append(results, udp.Result{Status: udp.OK, Data: []byte{1, 2}})
	results = append(results, repeat(udp.Result{Status: udp.Timeout}, 10)...)
	results = append(results, udp.Result{Status: udp.Interrupted, Err: context.Canceled})

	src := &fakeSource{results: results}
	sig := NewSignals()
	queue := make(chan []byte, 4)
	rcv := NewReceiver(src, queue, sig, ReceiverConfig{LivenessTimeout: time.Millisecond, MaxTimeouts: 10}, nil, nil)

	stats, err := rcv.Run(context.Background())
	if err != nil {
		t.Fatalf("Failed to run receiver: %v", err)
	}
	if sig.IsFault() {
		t.Fatalf("unexpected fault")
	}
	if !sig.IsShutdown() {
		t.Fatalf("interrupted receive did not request a shutdown")
	}
	if got, want := stats.Datagrams, 1; got != want {
		t.Fatalf("Expected datagram count %d, got %d", want, got)
	}
	if got, want := len(queue), 1; got != want {
		t.Fatalf("Expected queue length %d, got %d", want, got)
	}
}

func TestReceiverQueueFull(t *testing.T) {
	src := &fakeSource{
		results: repeat(udp.Result{Status: udp.OK, Data: []byte{1}}, 2),
	}
	sig := NewSignals()
	queue := make(chan []byte, 1)
	rcv := NewReceiver(src, queue, sig, ReceiverConfig{LivenessTimeout: time.Millisecond, MaxTimeouts: 10}, nil, nil)

	_, err := rcv.Run(context.Background())
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected error %v, got %v", ErrQueueFull, err)
	}
	if sig.IsShutdown() || sig.IsFault() {
		t.Fatalf("Expected backpressure to leave the signals unset, got shutdown=%v fault=%v", sig.IsShutdown(), sig.IsFault())
	}
	if got, want := len(queue), 1; got != want {
		t.Fatalf("Expected queue length %d, got %d", want, got)
	}
	<-queue
	if _, ok := <-queue; ok {
		t.Fatalf("Expected the receiver to close the queue")
	}
}

func TestReceiverFault(t *testing.T) {
	src := &fakeSource{results: []udp.Result{{Status: udp.Fault, Err: net.ErrClosed}}}
	sig := NewSignals()
	rcv := NewReceiver(src, make(chan []byte, 1), sig, ReceiverConfig{LivenessTimeout: time.Millisecond}, nil, nil)

	_, err := rcv.Run(context.Background())
	if !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Expected error %v, got %v", net.ErrClosed, err)
	}
	if !sig.IsFault() || !sig.IsShutdown() {
		t.Fatalf("invalid signals: fault=%v, shutdown=%v", sig.IsFault(), sig.IsShutdown())
	}
}

func TestReceiverShutdown(t *testing.T) {
	src := &fakeSource{}
	sig := NewSignals()
	rcv := NewReceiver(src, make(chan []byte, 1), sig, ReceiverConfig{LivenessTimeout: time.Second}, nil, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		sig.Shutdown()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := rcv.Run(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Failed to stop receiver: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("receiver did not honour the shutdown")
	}
	if sig.IsFault() {
		t.Fatalf("unexpected fault")
	}
}

func TestSignals(t *testing.T) {
	sig := NewSignals()
	if sig.IsShutdown() || sig.IsFault() {
		t.Fatalf("fresh signals are set")
	}
	sig.Shutdown()
	sig.Shutdown()
	if !sig.IsShutdown() || sig.IsFault() {
		t.Fatalf("invalid signals after shutdown")
	}
	select {
	case <-sig.Done():
	default:
		t.Fatalf("done channel not closed")
	}

	sig = NewSignals()
	sig.Fault()
	if !sig.IsShutdown() || !sig.IsFault() {
		t.Fatalf("fault did not imply shutdown")
	}
}

func TestCollectorDecode(t *testing.T) {
	const numEq = 1
	fwd := make(chan Forwarded, 4)
	gen := make(chan struct{})
	var term bytes.Buffer

	c := NewCollector(Options{
		Layout:       decoder.Layout{DataType: decoder.CSI, NumEq: numEq},
		PollInterval: 5 * time.Millisecond,
		Forward:      fwd,
		DataGen:      gen,
		Terminal:     &term,
	}, nil, nil)

	queue := make(chan []byte, 4)
	queue <- csiPayload(t, numEq, 2)
	queue <- make([]byte, 16) // CSI kind, wrong length
	queue <- csiPayload(t, numEq, 1)
	close(queue)

	sum, err := c.Run(context.Background(), queue)
	if err != nil {
		t.Fatalf("Failed to run collector: %v", err)
	}
	if got, want := sum.Frames, 3; got != want {
		t.Fatalf("Expected number of frames %d, got %d", want, got)
	}
	if got, want := sum.ID, c.ID(); got != want {
		t.Fatalf("Expected capture id %q, got %q", want, got)
	}
	if _, err := uuid.Parse(sum.ID); err != nil {
		t.Fatalf("invalid capture id %q: %+v", sum.ID, err)
	}
	if got, want := sum.Payloads, 3; got != want {
		t.Fatalf("Expected number of payloads %d, got %d", want, got)
	}
	if got, want := sum.Rejected, 1; got != want {
		t.Fatalf("Expected number of rejected payloads %d, got %d", want, got)
	}

	if got, want := len(fwd), 2; got != want {
		t.Fatalf("Expected number of forwarded records %d, got %d", want, got)
	}
	first := <-fwd
	if got, want := first.Frames, 2; got != want {
		t.Fatalf("Expected forwarded frame count %d, got %d", want, got)
	}
	if got, want := first.Record.CSI[1].Timestamp(), uint64(2); got != want {
		t.Fatalf("Expected forwarded timestamp %d, got %d", want, got)
	}

	select {
	case <-gen:
	default:
		t.Fatalf("data generator was not stopped")
	}
	if !c.Signals().IsShutdown() {
		t.Fatalf("collector did not request a shutdown on exit")
	}
	if !strings.Contains(term.String(), "Capture done") {
		t.Fatalf("missing summary:\n%s", term.String())
	}
}

func TestCollectorCSIDuringIQRun(t *testing.T) {
	mon := metrics.New()
	c := NewCollector(Options{
		Layout: decoder.Layout{DataType: decoder.RxIQ0IQ1, IQLen: 8, NumEq: 1},
	}, nil, mon)

	queue := make(chan []byte, 1)
	queue <- csiPayload(t, 1, 3)
	close(queue)

	sum, err := c.Run(context.Background(), queue)
	if err != nil {
		t.Fatalf("Failed to run collector: %v", err)
	}
	if sum.Frames != 3 || sum.Rejected != 0 {
		t.Fatalf("Expected 3 frames and no rejection, got frames=%d rejected=%d", sum.Frames, sum.Rejected)
	}
	if got := testutil.ToFloat64(mon.Frames.WithLabelValues("csi")); got != 3 {
		t.Fatalf("Expected 3 csi frames in metrics, got %v", got)
	}
}

func TestCollectorIQDuringCSIRun(t *testing.T) {
	iq := decoder.Layout{DataType: decoder.RxIQ0IQ1, IQLen: 4}
	raw, err := decoder.EncodeIQ(iq, []decoder.IQFrame{{
		Timestamp: 1,
		RX0:       make([]complex64, 4),
		RX1:       make([]complex64, 4),
	}})
	if err != nil {
		t.Fatalf("Failed to encode IQ: %v", err)
	}

	var term bytes.Buffer
	c := NewCollector(Options{
		Layout:   decoder.Layout{DataType: decoder.CSI, IQLen: 4},
		Beep:     true,
		Terminal: &term,
	}, nil, nil)
	c.beepInterval = 0

	queue := make(chan []byte, 1)
	queue <- raw
	close(queue)

	sum, err := c.Run(context.Background(), queue)
	if err != nil {
		t.Fatalf("Failed to run collector: %v", err)
	}
	if sum.Frames != 0 || sum.Rejected != 1 {
		t.Fatalf("Expected one rejected payload, got frames=%d rejected=%d", sum.Frames, sum.Rejected)
	}
	if !sum.First.IsZero() {
		t.Fatalf("Expected no first sample time, got %v", sum.First)
	}
	// only the end of run bell rings.
	if got, want := strings.Count(term.String(), "\a"), endBeeps; got != want {
		t.Fatalf("Expected number of beeps %d, got %d", want, got)
	}
}

func TestCollectorStartupGrace(t *testing.T) {
	c := NewCollector(Options{
		Layout:       decoder.Layout{DataType: decoder.CSI},
		StartupGrace: 30 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, nil, nil)

	queue := make(chan []byte)
	closeOnShutdown(c.Signals(), queue)

	beg := time.Now()
	sum, err := c.Run(context.Background(), queue)
	if err != nil {
		t.Fatalf("Failed to run collector: %v", err)
	}
	if sum.Frames != 0 {
		t.Fatalf("invalid number of frames: %d", sum.Frames)
	}
	if d := time.Since(beg); d > 2*time.Second {
		t.Fatalf("startup grace not honoured: ran for %v", d)
	}
}

func TestCollectorSamplingTime(t *testing.T) {
	c := NewCollector(Options{
		Layout:       decoder.Layout{DataType: decoder.CSI},
		SamplingTime: 30 * time.Millisecond,
		StartupGrace: time.Minute,
		PollInterval: 5 * time.Millisecond,
	}, nil, nil)

	queue := make(chan []byte, 1)
	queue <- csiPayload(t, 0, 4)
	closeOnShutdown(c.Signals(), queue)

	beg := time.Now()
	sum, err := c.Run(context.Background(), queue)
	if err != nil {
		t.Fatalf("Failed to run collector: %v", err)
	}
	if got, want := sum.Frames, 4; got != want {
		t.Fatalf("Expected number of frames %d, got %d", want, got)
	}
	if d := time.Since(beg); d < 30*time.Millisecond || d > 2*time.Second {
		t.Fatalf("sampling time not honoured: ran for %v", d)
	}
}

func TestCollectorForwardFull(t *testing.T) {
	c := NewCollector(Options{
		Layout:  decoder.Layout{DataType: decoder.CSI},
		Forward: make(chan Forwarded, 1),
	}, nil, nil)

	queue := make(chan []byte, 2)
	queue <- csiPayload(t, 0, 1)
	queue <- csiPayload(t, 0, 1)
	close(queue)

	sum, err := c.Run(context.Background(), queue)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected error %v, got %v", ErrQueueFull, err)
	}
	if sum.Reason == "" {
		t.Fatalf("summary misses the stop reason")
	}
}

func TestCollectorCapture(t *testing.T) {
	payload := csiPayload(t, 0, 3)
	src := &fakeSource{
		results: []udp.Result{
			{Status: udp.Timeout},
			{Status: udp.OK, Data: payload},
		},
	}

	var raw bytes.Buffer
	rec := chunkfile.NewWriter(&raw)
	c := NewCollector(Options{
		Layout:       decoder.Layout{DataType: decoder.CSI},
		SamplingTime: 30 * time.Millisecond,
		StartupGrace: time.Minute,
		PollInterval: 5 * time.Millisecond,
		QueueSize:    4,
		Receiver:     ReceiverConfig{LivenessTimeout: time.Second, MaxTimeouts: 10},
		Recorder:     rec,
	}, nil, nil)

	sum, err := c.Capture(context.Background(), src)
	if err != nil {
		t.Fatalf("Failed to capture: %v", err)
	}
	if got, want := sum.Frames, 3; got != want {
		t.Fatalf("Expected number of frames %d, got %d", want, got)
	}
	if !src.closed {
		t.Fatalf("source was not closed")
	}

	if err := rec.Flush(); err != nil {
		t.Fatalf("Failed to flush recorder: %v", err)
	}
	r := chunkfile.NewReader(&raw, nil)
	if !r.Scan() {
		t.Fatalf("recording holds no chunk: %v", r.Err())
	}
	if !bytes.Equal(r.Chunk(), payload) {
		t.Fatalf("recorded payload differs from the received one")
	}
}

func TestCollectorCaptureQueueFull(t *testing.T) {
	src := &fakeSource{
		results: repeat(udp.Result{Status: udp.OK, Data: csiPayload(t, 0, 2)}, 20),
	}
	mon := metrics.New()
	c := NewCollector(Options{
		Layout:       decoder.Layout{DataType: decoder.CSI},
		StartupGrace: time.Minute,
		PollInterval: 5 * time.Millisecond,
		QueueSize:    8,
		Receiver:     ReceiverConfig{LivenessTimeout: time.Second, MaxTimeouts: 10},
		Beep:         true,
	}, nil, mon)
	// the start bell holds the coordinator while the receiver fills the queue.
	c.beepInterval = 50 * time.Millisecond

	sum, err := c.Capture(context.Background(), src)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected error %v, got %v", ErrQueueFull, err)
	}
	if c.Signals().IsFault() {
		t.Fatalf("backpressure must not be a fault")
	}

	// every queued payload is decoded, only the one refused by the full
	// queue is lost.
	queued := int(testutil.ToFloat64(mon.Datagrams)) - 1
	if queued < 8 {
		t.Fatalf("Expected at least 8 queued payloads, got %d", queued)
	}
	if got, want := sum.Payloads, queued; got != want {
		t.Fatalf("Expected number of payloads %d, got %d", want, got)
	}
	if got, want := sum.Frames, 2*queued; got != want {
		t.Fatalf("Expected number of frames %d, got %d", want, got)
	}
	if got := testutil.ToFloat64(mon.QueueFull.WithLabelValues("receiver")); got != 1 {
		t.Fatalf("Expected one receiver backpressure stop, got %v", got)
	}
}

func TestCollectorCaptureTimeouts(t *testing.T) {
	src := &fakeSource{results: repeat(udp.Result{Status: udp.Timeout}, 3)}
	c := NewCollector(Options{
		Layout:       decoder.Layout{DataType: decoder.CSI},
		StartupGrace: time.Minute,
		PollInterval: 5 * time.Millisecond,
		Receiver:     ReceiverConfig{LivenessTimeout: time.Millisecond, MaxTimeouts: 2},
	}, nil, nil)

	sum, err := c.Capture(context.Background(), src)
	if !errors.Is(err, ErrTooManyTimeouts) {
		t.Fatalf("Expected error %v, got %v", ErrTooManyTimeouts, err)
	}
	if !c.Signals().IsFault() {
		t.Fatalf("fault signal not set")
	}
	if sum.Reason == "" {
		t.Fatalf("summary misses the stop reason")
	}
}

func TestCollectorRunFile(t *testing.T) {
	// two chunks separated by three foreign bytes.
	var raw bytes.Buffer
	w := chunkfile.NewWriter(&raw)
	for i, n := range []int{2, 5} {
		if i > 0 {
			raw.Write([]byte{1, 2, 3})
		}
		if err := w.WriteChunk(csiPayload(t, 2, n)); err != nil {
			t.Fatalf("Failed to write chunk: %v", err)
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("Failed to flush chunk: %v", err)
		}
	}
	fname := filepath.Join(t.TempDir(), "capture.bin")
	if err := os.WriteFile(fname, raw.Bytes(), 0o644); err != nil {
		t.Fatalf("Failed to write capture file: %v", err)
	}

	var term bytes.Buffer
	c := NewCollector(Options{
		Layout:   decoder.Layout{DataType: decoder.CSI, NumEq: 2},
		Beep:     true,
		Terminal: &term,
	}, nil, nil)
	c.beepInterval = 0

	sum, err := c.RunFile(context.Background(), fname)
	if err != nil {
		t.Fatalf("Failed to run file: %v", err)
	}
	if got, want := sum.Frames, 7; got != want {
		t.Fatalf("Expected number of frames %d, got %d", want, got)
	}
	if got, want := sum.Skipped, int64(3); got != want {
		t.Fatalf("Expected skipped bytes %d, got %d", want, got)
	}
	if got, want := sum.Input, fname; got != want {
		t.Fatalf("Expected input %q, got %q", want, got)
	}
	for _, want := range []string{"Skipped: 3 bytes", "Truncated: 0 chunks"} {
		if !strings.Contains(term.String(), want) {
			t.Fatalf("missing %q in:\n%s", want, term.String())
		}
	}
	if got, want := strings.Count(term.String(), "\a"), startBeeps+endBeeps; got != want {
		t.Fatalf("Expected number of beeps %d, got %d", want, got)
	}
}

func TestSummaryPrint(t *testing.T) {
	sum := Summary{
		Duration: 2 * time.Second,
		Frames:   100,
		Rate:     50,
		Payloads: 10,
		Rejected: 1,
	}
	var buf bytes.Buffer
	sum.Print(&buf)
	for _, want := range []string{
		"Capture done",
		"Measured for: 2.000 seconds",
		"Capture: 100 frames",
		"Capture rate: 50.000 sps",
		"Rejected: 1 of 10 payloads",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("missing %q in:\n%s", want, buf.String())
		}
	}
}
