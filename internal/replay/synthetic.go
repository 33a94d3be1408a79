package replay

import (
	"fmt"
	"math"

	"sidech-collector/internal/decoder"
)

// Synthetic describes generated side-channel traffic, used when no
// recording is at hand.
type Synthetic struct {
	Layout   decoder.Layout
	Payloads int    // datagrams to build
	Frames   int    // transactions per datagram
	LOFreq   uint64 // Hz
	Delay    int    // CSI impulse tap, shows up in the delay profile
}

// Generate builds the payloads. Timestamps increase by one per transaction
// across the whole sequence.
func (s Synthetic) Generate() ([][]byte, error) {
	if s.Payloads <= 0 || s.Frames <= 0 {
		return nil, fmt.Errorf("replay: synthetic traffic needs positive payload and frame counts (got %d, %d)", s.Payloads, s.Frames)
	}
	if err := s.Layout.Validate(); err != nil {
		return nil, err
	}
	nsyms := s.Layout.IQSymbolsPerTrans()
	if s.Layout.DataType.Kind() == decoder.KindCSI {
		nsyms = s.Layout.CSISymbolsPerTrans()
	}
	if n := nsyms * s.Frames; n > decoder.MaxSymbolsPerTrans {
		return nil, fmt.Errorf("replay: %d frames of %d DMA symbols exceed the datagram limit of %d", s.Frames, nsyms, decoder.MaxSymbolsPerTrans)
	}

	out := make([][]byte, 0, s.Payloads)
	ts := uint64(1)
	for i := 0; i < s.Payloads; i++ {
		var (
			raw []byte
			err error
		)
		if s.Layout.DataType.Kind() == decoder.KindCSI {
			frames := make([]decoder.CSIFrame, s.Frames)
			for k := range frames {
				frames[k] = s.csiFrame(ts)
				ts++
			}
			raw, err = decoder.EncodeCSI(s.Layout.NumEq, frames)
		} else {
			frames := make([]decoder.IQFrame, s.Frames)
			for k := range frames {
				frames[k] = s.iqFrame(ts)
				ts++
			}
			raw, err = decoder.EncodeIQ(s.Layout, frames)
		}
		if err != nil {
			return nil, fmt.Errorf("replay: failed to build payload %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func (s Synthetic) csiFrame(ts uint64) decoder.CSIFrame {
	f := decoder.CSIFrame{
		LOFreq:    s.LOFreq,
		CSI:       tone(decoder.CSILen, s.Delay, 1000),
		Equalizer: tone(s.Layout.NumEq*decoder.EqualizerLen, 0, 500),
	}
	for j := range f.Timestamps {
		f.Timestamps[j] = ts
	}
	return f
}

func (s Synthetic) iqFrame(ts uint64) decoder.IQFrame {
	n := s.Layout.IQLen
	f := decoder.IQFrame{
		Timestamp: ts,
		LOFreq:    s.LOFreq,
		RX0:       tone(n, 1, 2000),
	}
	switch s.Layout.DataType {
	case decoder.RxIQ0IQ1:
		f.RX1 = tone(n, 2, 2000)
	case decoder.TxRxIQ0:
		f.BB0 = tone(n, 3, 1000)
	case decoder.RSSIRxIQ0:
		f.AGCGain = make([]int16, n)
		f.RSSIHalfDB = make([]int16, n)
		for k := range f.AGCGain {
			f.AGCGain[k] = 40
			f.RSSIHalfDB[k] = -120
		}
	case decoder.IQAll:
		f.CaptureAll = 1
		f.RX1 = tone(n, 2, 2000)
		f.BB0 = tone(decoder.ExpectedTxLen(n), 3, 1000)
	}
	return f
}

// tone returns n samples of a complex exponential turning by cycles over
// the whole span, scaled to amp.
func tone(n, cycles int, amp float64) []complex64 {
	out := make([]complex64, n)
	for k := range out {
		phi := -2 * math.Pi * float64(cycles*k) / float64(n)
		out[k] = complex(float32(amp*math.Cos(phi)), float32(amp*math.Sin(phi)))
	}
	return out
}
