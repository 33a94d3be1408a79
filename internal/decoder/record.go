package decoder

import (
	"fmt"
)

// Layout describes the capture configuration needed to decode payloads.
type Layout struct {
	DataType DataType
	IQLen    int // IQ samples per transaction
	NumEq    int // equalizer groups per CSI transaction
}

// Validate checks that the layout fits the hardware and transport limits.
func (l Layout) Validate() error {
	if !l.DataType.valid() {
		return fmt.Errorf("decoder: invalid data type %v", l.DataType)
	}
	if l.NumEq < 0 || l.NumEq > MaxEqualizers {
		return fmt.Errorf("decoder: num_eq must be in [0, %d] (got=%d)", MaxEqualizers, l.NumEq)
	}
	if l.DataType.Kind() == KindIQ {
		if l.IQLen <= 0 {
			return fmt.Errorf("decoder: iq_len must be positive for %v (got=%d)", l.DataType, l.IQLen)
		}
		if l.DataType == IQAll && l.IQLen < 2 {
			return fmt.Errorf("decoder: iq_len must be at least 2 for %v (got=%d)", l.DataType, l.IQLen)
		}
	}
	if l.IQLen < 0 {
		return fmt.Errorf("decoder: invalid iq_len %d", l.IQLen)
	}
	if n := l.IQSymbolsPerTrans(); n > MaxSymbolsPerTrans {
		return fmt.Errorf("decoder: %d DMA symbols per IQ transaction exceeds the UDP limit of %d", n, MaxSymbolsPerTrans)
	}
	if n := l.CSISymbolsPerTrans(); n > MaxSymbolsPerTrans {
		return fmt.Errorf("decoder: %d DMA symbols per CSI transaction exceeds the UDP limit of %d", n, MaxSymbolsPerTrans)
	}
	return nil
}

func (l Layout) CSISymbolsPerTrans() int { return CSISymbolsPerTrans(l.NumEq) }
func (l Layout) IQSymbolsPerTrans() int  { return IQSymbolsPerTrans(l.DataType, l.IQLen) }
func (l Layout) TxStartOffset() int      { return TxStartOffset(l.IQLen) }

// BytesPerTrans returns the size in bytes of one transaction of the given kind.
func (l Layout) BytesPerTrans(kind Kind) int {
	if kind == KindCSI {
		return l.CSISymbolsPerTrans() * DMASymbolBytes
	}
	return l.IQSymbolsPerTrans() * DMASymbolBytes
}

// Decode classifies and decodes one raw payload.
//
// The side channel interleaves CSI payloads with IQ captures, so a CSI
// payload is always decoded with NumEq whatever DataType is configured,
// and its record carries DataType CSI. An IQ payload received while the
// layout is configured for CSI is rejected with ErrUnexpectedKind since
// the IQ geometry is unknown.
func (l Layout) Decode(payload []byte) (Record, error) {
	kind, err := KindOf(payload)
	if err != nil {
		return Record{}, err
	}
	if kind == KindIQ && l.DataType.Kind() != KindIQ {
		return Record{}, fmt.Errorf("%w: got %v payload, configured for %v", ErrUnexpectedKind, kind, l.DataType)
	}
	if n := l.BytesPerTrans(kind); len(payload)%n != 0 {
		return Record{}, fmt.Errorf(
			"%w: abnormal %v data length %d, expected a multiple of %d",
			ErrLengthMismatch, kind, len(payload), n,
		)
	}

	words, err := Words(payload)
	if err != nil {
		return Record{}, err
	}

	rec := Record{Kind: kind, DataType: l.DataType, NumEq: l.NumEq}
	switch kind {
	case KindCSI:
		rec.DataType = CSI
		rec.CSI, err = DecodeCSI(words, l.NumEq)
	case KindIQ:
		rec.IQ, rec.Warnings, err = DecodeIQ(l.DataType, words, l.IQSymbolsPerTrans(), l.IQLen, l.TxStartOffset())
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Record holds the frames decoded from one payload.
type Record struct {
	Kind     Kind
	DataType DataType
	NumEq    int
	CSI      []CSIFrame
	IQ       []IQFrame
	Warnings []string
}

// NumFrames returns the number of transactions in the record.
func (r Record) NumFrames() int {
	if r.Kind == KindCSI {
		return len(r.CSI)
	}
	return len(r.IQ)
}

// Fields returns the record as per-frame arrays keyed by field name.
//
// CSI records carry the seven timestamp names, lo_freq, freq_offset, csi and,
// with equalizer groups configured, equalizer. IQ records carry timestamp,
// lo_freq, trigger_src, capture_all_antenna, nrx, nbb and the streams of
// their data type (rx0, rx1, bb0, agc_gain, rssi_half_db).
func (r Record) Fields() map[string]any {
	out := make(map[string]any)
	switch r.Kind {
	case KindCSI:
		var (
			n   = len(r.CSI)
			lo  = make([]uint64, n)
			fo  = make([]float64, n)
			csi = make([][]complex64, n)
			eq  = make([][]complex64, n)
			ts  [len(CSITimestampNames)][]uint64
		)
		for j := range ts {
			ts[j] = make([]uint64, n)
		}
		for i, f := range r.CSI {
			for j := range ts {
				ts[j][i] = f.Timestamps[j]
			}
			lo[i] = f.LOFreq
			fo[i] = f.FreqOffset
			csi[i] = f.CSI
			eq[i] = f.Equalizer
		}
		for j, name := range CSITimestampNames {
			out[name] = ts[j]
		}
		out["lo_freq"] = lo
		out["freq_offset"] = fo
		out["csi"] = csi
		if r.NumEq > 0 {
			out["equalizer"] = eq
		}

	case KindIQ:
		var (
			n    = len(r.IQ)
			ts   = make([]uint64, n)
			lo   = make([]uint64, n)
			trig = make([]uint8, n)
			all  = make([]uint8, n)
		)
		for i, f := range r.IQ {
			ts[i] = f.Timestamp
			lo[i] = f.LOFreq
			trig[i] = f.TriggerSrc
			all[i] = f.CaptureAll
		}
		out["timestamp"] = ts
		out["lo_freq"] = lo
		out["trigger_src"] = trig
		out["capture_all_antenna"] = all
		out["nrx"] = r.DataType.NumRX()
		out["nbb"] = r.DataType.NumBB()

		stream := func(get func(IQFrame) []complex64) [][]complex64 {
			v := make([][]complex64, n)
			for i, f := range r.IQ {
				v[i] = get(f)
			}
			return v
		}
		out["rx0"] = stream(func(f IQFrame) []complex64 { return f.RX0 })
		switch r.DataType {
		case RxIQ0IQ1:
			out["rx1"] = stream(func(f IQFrame) []complex64 { return f.RX1 })
		case TxRxIQ0:
			out["bb0"] = stream(func(f IQFrame) []complex64 { return f.BB0 })
		case IQAll:
			out["rx1"] = stream(func(f IQFrame) []complex64 { return f.RX1 })
			out["bb0"] = stream(func(f IQFrame) []complex64 { return f.BB0 })
		case RSSIRxIQ0:
			agc := make([][]int16, n)
			rssi := make([][]int16, n)
			for i, f := range r.IQ {
				agc[i] = f.AGCGain
				rssi[i] = f.RSSIHalfDB
			}
			out["agc_gain"] = agc
			out["rssi_half_db"] = rssi
		}
	}
	return out
}
