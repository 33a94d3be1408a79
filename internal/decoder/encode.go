package decoder

import (
	"encoding/binary"
	"fmt"
)

// EncodeCSI builds the raw payload of CSI transactions, as the radio emits it.
// FreqOffset is ignored, FreqOffsetRaw is encoded.
func EncodeCSI(numEq int, frames []CSIFrame) ([]byte, error) {
	if numEq < 0 || numEq > MaxEqualizers {
		return nil, fmt.Errorf("decoder: invalid number of equalizers %d (max %d)", numEq, MaxEqualizers)
	}
	nsyms := CSISymbolsPerTrans(numEq)
	words := make([]uint16, 0, len(frames)*nsyms*WordsPerSymbol)
	for i, f := range frames {
		if len(f.CSI) != CSILen {
			return nil, fmt.Errorf("decoder: frame %d: CSI holds %d samples, want %d", i, len(f.CSI), CSILen)
		}
		if len(f.Equalizer) != numEq*EqualizerLen {
			return nil, fmt.Errorf(
				"decoder: frame %d: equalizer holds %d samples, want %d",
				i, len(f.Equalizer), numEq*EqualizerLen,
			)
		}
		row := make([]uint16, nsyms*WordsPerSymbol)
		putUint64(row, csiTimestampIdx, f.Timestamps[0])
		putUint64(row, csiFreqOffsetIdx, uint64(uint16(f.FreqOffsetRaw))|encodeLO(f.LOFreq))
		for j := 1; j < len(f.Timestamps); j++ {
			putUint64(row, csiExtraTSIdx+(j-1)*WordsPerSymbol, f.Timestamps[j])
		}

		sym := CSIHeaderLen
		put := func(v complex64) {
			putSample(row, sym, 0, v)
			sym++
		}
		for _, v := range f.CSI[CSIHalfLen:] {
			put(v)
		}
		for _, v := range f.CSI[:CSIHalfLen] {
			put(v)
		}
		for _, v := range f.Equalizer {
			put(v)
		}
		words = append(words, row...)
	}
	return wordBytes(words), nil
}

// EncodeIQ builds the raw payload of IQ transactions laid out according to l.
// Streams absent from the data type are ignored; missing samples are zero.
func EncodeIQ(l Layout, frames []IQFrame) ([]byte, error) {
	if l.DataType.Kind() != KindIQ {
		return nil, fmt.Errorf("decoder: data type %v does not carry IQ samples", l.DataType)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	nsyms := l.IQSymbolsPerTrans()
	words := make([]uint16, 0, len(frames)*nsyms*WordsPerSymbol)
	for _, f := range frames {
		row := make([]uint16, nsyms*WordsPerSymbol)
		meta := encodeLO(f.LOFreq) |
			uint64(f.CaptureAll&1)<<iqCaptureAllShift |
			uint64(f.TriggerSrc&1)<<iqTriggerSrcShift |
			uint64(KindIQ)<<63
		putUint64(row, iqTimestampIdx, f.Timestamp)
		putUint64(row, iqMetadataIdx, meta)

		lanes := func(start int, v []complex64) {
			for k := 0; k < min(len(v), l.IQLen); k++ {
				putSample(row, IQHeaderLen+k, start, v[k])
			}
		}
		switch l.DataType {
		case RxIQ0IQ1:
			lanes(0, f.RX0)
			lanes(2, f.RX1)
		case TxRxIQ0:
			lanes(0, f.RX0)
			lanes(2, f.BB0)
		case RSSIRxIQ0:
			lanes(0, f.RX0)
			for k := 0; k < l.IQLen; k++ {
				base := (IQHeaderLen + k) * WordsPerSymbol
				if k < len(f.AGCGain) {
					row[base+2] = uint16(f.AGCGain[k])
				}
				if k < len(f.RSSIHalfDB) {
					row[base+3] = uint16(f.RSSIHalfDB[k])
				}
			}
		case IQAll:
			lanes(0, f.RX0)
			lanes(2, f.RX1)
			putUint64(row, (IQHeaderLen+l.IQLen)*WordsPerSymbol, Separator)
			w := l.TxStartOffset() * WordsPerSymbol
			for _, v := range f.BB0 {
				if w+1 >= len(row) {
					break
				}
				row[w] = uint16(int16(real(v)))
				row[w+1] = uint16(int16(imag(v)))
				w += 2
			}
		}
		words = append(words, row...)
	}
	return wordBytes(words), nil
}

func encodeLO(hz uint64) uint64 {
	return ((hz / loFreqScale) & loFreqMask) << loFreqShift
}

func putUint64(row []uint16, idx int, v uint64) {
	row[idx+0] = uint16(v)
	row[idx+1] = uint16(v >> 16)
	row[idx+2] = uint16(v >> 32)
	row[idx+3] = uint16(v >> 48)
}

func putSample(row []uint16, sym, lane int, v complex64) {
	base := sym*WordsPerSymbol + lane
	row[base+0] = uint16(int16(real(v)))
	row[base+1] = uint16(int16(imag(v)))
}

func wordBytes(words []uint16) []byte {
	buf := make([]byte, 2*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint16(buf[2*i:], w)
	}
	return buf
}
