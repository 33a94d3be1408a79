// Package stats computes summary statistics of decoded complex streams,
// reported when a capture runs at debug level.
package stats

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"sidech-collector/internal/decoder"
)

// Summary describes one complex stream.
type Summary struct {
	N         int
	MeanI     float64
	StdI      float64
	MeanQ     float64
	StdQ      float64
	MeanPower float64 // mean |x|^2
	PowerDB   float64 // 10*log10(MeanPower), -Inf for a silent stream
	PeakAmp   float64 // max |x|
}

// Summarize computes the summary of samples.
func Summarize(samples []complex64) Summary {
	if len(samples) == 0 {
		return Summary{PowerDB: math.Inf(-1)}
	}
	var (
		re  = make([]float64, len(samples))
		im  = make([]float64, len(samples))
		pwr = make([]float64, len(samples))
	)
	for i, v := range samples {
		re[i] = float64(real(v))
		im[i] = float64(imag(v))
		pwr[i] = re[i]*re[i] + im[i]*im[i]
	}

	var s Summary
	s.N = len(samples)
	s.MeanI, s.StdI = stat.PopMeanStdDev(re, nil)
	s.MeanQ, s.StdQ = stat.PopMeanStdDev(im, nil)
	s.MeanPower = stat.Mean(pwr, nil)
	s.PeakAmp = math.Sqrt(floats.Max(pwr))
	s.PowerDB = math.Inf(-1)
	if s.MeanPower > 0 {
		s.PowerDB = 10 * math.Log10(s.MeanPower)
	}
	return s
}

// DelayProfile returns the power delay profile of a CSI vector, that is the
// squared magnitude of its inverse DFT, and the index of its strongest tap.
func DelayProfile(csi []complex64) ([]float64, int) {
	if len(csi) == 0 {
		return nil, -1
	}
	seq := make([]complex128, len(csi))
	for i, v := range csi {
		seq[i] = complex128(v)
	}
	fft := fourier.NewCmplxFFT(len(seq))
	taps := fft.Sequence(nil, seq)

	n := float64(len(seq))
	pdp := make([]float64, len(taps))
	for i, v := range taps {
		a := cmplx.Abs(v) / n
		pdp[i] = a * a
	}
	return pdp, floats.MaxIdx(pdp)
}

// Stream is the summary of one named stream of a record.
type Stream struct {
	Name string
	Summary
}

// Record summarizes every complex stream of rec, concatenated over its frames.
func Record(rec decoder.Record) []Stream {
	var out []Stream
	add := func(name string, get func(i int) []complex64, n int) {
		var all []complex64
		for i := 0; i < n; i++ {
			all = append(all, get(i)...)
		}
		if len(all) == 0 {
			return
		}
		out = append(out, Stream{Name: name, Summary: Summarize(all)})
	}

	switch rec.Kind {
	case decoder.KindCSI:
		n := len(rec.CSI)
		add("csi", func(i int) []complex64 { return rec.CSI[i].CSI }, n)
		add("equalizer", func(i int) []complex64 { return rec.CSI[i].Equalizer }, n)
	case decoder.KindIQ:
		n := len(rec.IQ)
		add("rx0", func(i int) []complex64 { return rec.IQ[i].RX0 }, n)
		add("rx1", func(i int) []complex64 { return rec.IQ[i].RX1 }, n)
		add("bb0", func(i int) []complex64 { return rec.IQ[i].BB0 }, n)
	}
	return out
}
