package decoder

import (
	"fmt"
	"math"
)

const (
	csiSampleRate   = 20e6
	csiFreqOffDenom = 512
)

// CSITimestampNames lists the per-frame CSI timestamps, in header order.
var CSITimestampNames = [7]string{
	"timestamp_phy_tx_start",
	"timestamp_phy_tx_started",
	"timestamp_tx_intf_iq0_sample0",
	"timestamp_short_preamble_detected",
	"timestamp_long_preamble_detected",
	"timestamp_csi_valid",
	"timestamp_pkt_header_valid_strobe",
}

// CSIFrame is one decoded CSI transaction.
type CSIFrame struct {
	Timestamps    [7]uint64 // indexed like CSITimestampNames
	LOFreq        uint64    // Hz
	FreqOffsetRaw int16     // hardware frequency-offset estimate
	FreqOffset    float64   // Hz
	CSI           []complex64
	Equalizer     []complex64
}

// Timestamp returns the capture timestamp of the frame.
func (f CSIFrame) Timestamp() uint64 { return f.Timestamps[0] }

// CSISymbolsPerTrans returns the number of DMA symbols of a CSI transaction
// carrying numEq equalizer groups.
func CSISymbolsPerTrans(numEq int) int {
	return CSIHeaderLen + CSILen + numEq*EqualizerLen
}

// FreqOffsetHz converts the raw frequency-offset estimate to Hz.
func FreqOffsetHz(raw int16) float64 {
	return (csiSampleRate * float64(raw) / csiFreqOffDenom) / (2 * math.Pi)
}

// DecodeCSI decodes a buffer of CSI transactions.
func DecodeCSI(words []uint16, numEq int) ([]CSIFrame, error) {
	if numEq < 0 || numEq > MaxEqualizers {
		return nil, fmt.Errorf("decoder: invalid number of equalizers %d (max %d)", numEq, MaxEqualizers)
	}
	nsyms := CSISymbolsPerTrans(numEq)
	rows, err := Reshape(words, nsyms)
	if err != nil {
		return nil, fmt.Errorf("failed to reshape CSI buffer: %w", err)
	}

	frames := make([]CSIFrame, len(rows))
	nsamples := nsyms - CSIHeaderLen
	raw := make([]complex64, nsamples)
	for i, row := range rows {
		// Seven event timestamps, named by CSITimestampNames
		f := &frames[i]
		f.Timestamps[0] = uint64At(row, csiTimestampIdx)
		for j := 1; j < len(f.Timestamps); j++ {
			f.Timestamps[j] = uint64At(row, csiExtraTSIdx+(j-1)*WordsPerSymbol)
		}

		// LO frequency shares a symbol with the frequency offset
		hdr := uint64At(row, csiFreqOffsetIdx)
		f.LOFreq = loFreq(hdr)
		f.FreqOffsetRaw = int16(row[csiFreqOffsetIdx])
		f.FreqOffset = FreqOffsetHz(f.FreqOffsetRaw)

		for k := range raw {
			sym := CSIHeaderLen + k
			raw[k] = cplx(lane(row, sym, 0), lane(row, sym, 1))
		}

		// hardware emits the two halves of the CSI in swapped order.
		f.CSI = make([]complex64, CSILen)
		copy(f.CSI[:CSIHalfLen], raw[CSIHalfLen:CSILen])
		copy(f.CSI[CSIHalfLen:], raw[:CSIHalfLen])

		if numEq > 0 {
			f.Equalizer = make([]complex64, numEq*EqualizerLen)
			copy(f.Equalizer, raw[CSILen:])
		}
	}
	return frames, nil
}
