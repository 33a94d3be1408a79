package decoder

import (
	"fmt"
)

// IQFrame is one decoded IQ transaction.
// Streams absent from the data type are nil.
type IQFrame struct {
	Timestamp  uint64
	LOFreq     uint64 // Hz
	TriggerSrc uint8
	CaptureAll uint8 // capture-all-antenna flag

	RX0        []complex64
	RX1        []complex64
	BB0        []complex64
	AGCGain    []int16
	RSSIHalfDB []int16
}

// IQSymbolsPerTrans returns the number of DMA symbols of an IQ transaction.
func IQSymbolsPerTrans(dt DataType, iqLen int) int {
	if dt == IQAll {
		return IQHeaderLen + iqLen + iqLen/2 + 1
	}
	return IQHeaderLen + iqLen
}

// TxStartOffset returns the DMA symbol at which the TX stream of an iq_all
// transaction starts, skipping the separator and the state symbol.
func TxStartOffset(iqLen int) int {
	return IQHeaderLen + iqLen + 2
}

// ExpectedTxLen is the number of TX samples an iq_all transaction carries.
func ExpectedTxLen(iqLen int) int {
	return 2*(iqLen/2) - 2
}

// DecodeIQ decodes a buffer of IQ transactions laid out according to dt.
//
// Non fatal inconsistencies (TX length, capture-all flag, separator) are
// reported as warnings, at most once per kind per call.
func DecodeIQ(dt DataType, words []uint16, symbolsPerTrans, iqLen, txStart int) ([]IQFrame, []string, error) {
	if dt.Kind() != KindIQ || !dt.valid() {
		return nil, nil, fmt.Errorf("decoder: data type %v does not carry IQ samples", dt)
	}
	if iqLen <= 0 {
		return nil, nil, fmt.Errorf("decoder: invalid IQ length %d", iqLen)
	}
	// the header is followed by at least one sample symbol, and iq_all
	// also needs room for its separator.
	minSyms := IQHeaderLen + 1
	if dt == IQAll {
		minSyms = IQHeaderLen + iqLen + 1
	}
	if symbolsPerTrans < minSyms {
		return nil, nil, fmt.Errorf(
			"decoder: %d DMA symbols per %v transaction, need at least %d",
			symbolsPerTrans, dt, minSyms,
		)
	}
	rows, err := Reshape(words, symbolsPerTrans)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reshape IQ buffer: %w", err)
	}

	var (
		frames = make([]IQFrame, len(rows))
		warn   warnings
	)
	for i, row := range rows {
		// Header: timestamp, then LO frequency and flags
		f := &frames[i]
		meta := uint64At(row, iqMetadataIdx)
		f.Timestamp = uint64At(row, iqTimestampIdx)
		f.LOFreq = loFreq(meta)
		f.CaptureAll = uint8((meta >> iqCaptureAllShift) & 1)
		f.TriggerSrc = uint8((meta >> iqTriggerSrcShift) & 1)

		nsyms := symbolsPerTrans - IQHeaderLen
		if dt == IQAll {
			nsyms = min(nsyms, iqLen)
		}
		lanes01 := func() []complex64 {
			out := make([]complex64, nsyms)
			for k := range out {
				out[k] = cplx(lane(row, IQHeaderLen+k, 0), lane(row, IQHeaderLen+k, 1))
			}
			return out
		}
		lanes23 := func() []complex64 {
			out := make([]complex64, nsyms)
			for k := range out {
				out[k] = cplx(lane(row, IQHeaderLen+k, 2), lane(row, IQHeaderLen+k, 3))
			}
			return out
		}

		switch dt {
		case RxIQ0IQ1:
			f.RX0 = lanes01()
			f.RX1 = lanes23()
		case TxRxIQ0:
			f.RX0 = lanes01()
			f.BB0 = lanes23()
		case RSSIRxIQ0:
			f.RX0 = lanes01()
			f.AGCGain = make([]int16, nsyms)
			f.RSSIHalfDB = make([]int16, nsyms)
			for k := 0; k < nsyms; k++ {
				f.AGCGain[k] = lane(row, IQHeaderLen+k, 2)
				f.RSSIHalfDB[k] = lane(row, IQHeaderLen+k, 3)
			}
		case IQAll:
			f.RX0 = lanes01()
			f.RX1 = lanes23()
			f.BB0 = txStream(row, txStart)

			// Consistency checks are warnings only
			if want := ExpectedTxLen(iqLen); len(f.BB0) != want {
				warn.add("tx", "iq_all TX stream holds %d samples, expected %d", len(f.BB0), want)
			}
			if f.CaptureAll == 0 {
				warn.add("capture-all", "iq_all transaction with capture-all-antenna flag off")
			}
			if sep := IQHeaderLen + iqLen; (sep+1)*WordsPerSymbol <= len(row) {
				if got := uint64At(row, sep*WordsPerSymbol); got != Separator {
					warn.add("separator", "iq_all separator mismatch: got=0x%016X, want=0x%016X", got, Separator)
				}
			}
		}
	}
	return frames, warn.list(), nil
}

// txStream reads the TX baseband packed as one complex sample per 32 bits,
// starting at DMA symbol txStart.
func txStream(row []uint16, txStart int) []complex64 {
	beg := txStart * WordsPerSymbol
	if txStart < 0 || beg >= len(row) {
		return nil
	}
	out := make([]complex64, 0, (len(row)-beg)/2)
	for w := beg; w+1 < len(row); w += 2 {
		out = append(out, cplx(int16(row[w]), int16(row[w+1])))
	}
	return out
}

// warnings collects one message per kind, counting repeats.
type warnings struct {
	keys []string
	msgs map[string]string
	hits map[string]int
}

func (w *warnings) add(key, format string, args ...any) {
	if w.msgs == nil {
		w.msgs = make(map[string]string)
		w.hits = make(map[string]int)
	}
	if _, dup := w.msgs[key]; !dup {
		w.keys = append(w.keys, key)
		w.msgs[key] = fmt.Sprintf(format, args...)
	}
	w.hits[key]++
}

func (w *warnings) list() []string {
	if len(w.keys) == 0 {
		return nil
	}
	out := make([]string, len(w.keys))
	for i, k := range w.keys {
		msg := w.msgs[k]
		if n := w.hits[k]; n > 1 {
			msg = fmt.Sprintf("%s (%d frames)", msg, n)
		}
		out[i] = msg
	}
	return out
}
