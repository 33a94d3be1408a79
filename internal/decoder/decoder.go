// Package decoder interprets raw openwifi side-channel DMA-symbol buffers.
//
// Data is organized as 64-bit DMA symbols, each read back as four
// little-endian 16-bit words.
//
// CSI transaction:
//
//	symbol 0      capture timestamp
//	symbol 1      frequency-offset estimate (low word), 29-bit LO frequency (bit 32)
//	symbol 2-7    additional timestamps
//	symbol 8-63   CSI (56 symbols)
//	symbol 64+    equalizer (52 symbols per group, 0 to 8 groups)
//
// IQ transaction:
//
//	symbol 0      timestamp
//	symbol 1      metadata: LO frequency (bit 32, 29 bits), capture-all-antenna
//	              (bit 61), trigger source (bit 62), IQ/CSI indicator (bit 63)
//	symbol 2      reserved
//	symbol 3+     I/Q lanes, layout depends on the data type
//
// The constants below match the openwifi-hw side_ch_control.v revision the
// capture tooling targets and must not be approximated.
// All functions in this package are pure: they never perform I/O.
package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	DMASymbolBytes = 8 // bytes per DMA symbol
	WordsPerSymbol = 4 // 16-bit words per DMA symbol

	MaxNumDMASymbols   = 8192
	MaxSymbolsPerTrans = 65507/DMASymbolBytes - 1 // largest transaction fitting one UDP datagram

	LOFreqBitWidth = 29
	loFreqMask     = 1<<LOFreqBitWidth - 1
	loFreqScale    = 10 // deca-Hz to Hz
	loFreqShift    = 32

	CSIHeaderLen  = 8
	CSILen        = 56
	CSIHalfLen    = CSILen / 2
	EqualizerLen  = CSILen - 4 // non-HT pads four {32767,32767} to reach 52
	MaxEqualizers = 8

	IQHeaderLen = 3

	// Separator marks the end of the interleaved RX block in iq_all captures.
	Separator uint64 = 0xBADC0FFEE0DDF00D
)

// word offsets inside one transaction
const (
	csiTimestampIdx  = 0 * WordsPerSymbol
	csiFreqOffsetIdx = 1 * WordsPerSymbol
	csiExtraTSIdx    = 2 * WordsPerSymbol

	iqTimestampIdx = 0 * WordsPerSymbol
	iqMetadataIdx  = 1 * WordsPerSymbol
	iqDataIdx      = IQHeaderLen * WordsPerSymbol

	iqCaptureAllShift = 61
	iqTriggerSrcShift = 62
)

// kind discriminator position: MSB of byte 7 of the second DMA symbol.
const (
	kindSymbolIdx = 1
	kindByteIdx   = 7
)

var (
	ErrEmptyBuffer    = errors.New("decoder: empty buffer")
	ErrOddLength      = errors.New("decoder: buffer length is not a whole number of 16-bit words")
	ErrLengthMismatch = errors.New("decoder: buffer length is not a multiple of the transaction size")
	ErrShortPayload   = errors.New("decoder: payload too short to hold a transaction kind")
	ErrUnexpectedKind = errors.New("decoder: record kind does not match the configured data type")
)

// Kind is the transaction kind carried by the discriminator bit.
type Kind uint8

const (
	KindCSI Kind = 0
	KindIQ  Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindCSI:
		return "csi"
	case KindIQ:
		return "iq"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// KindOf reads the transaction kind of a raw payload.
func KindOf(payload []byte) (Kind, error) {
	idx := kindSymbolIdx*DMASymbolBytes + kindByteIdx
	if len(payload) <= idx {
		return 0, fmt.Errorf("%w (len=%d)", ErrShortPayload, len(payload))
	}
	return Kind(payload[idx] >> 7), nil
}

// DataType selects the antenna/lane layout of a capture.
type DataType uint8

const (
	CSI       DataType = iota // freq offset, CSI and equalizer
	RxIQ0IQ1                  // I/Q of both RX antennas
	TxRxIQ0                   // I/Q of one RX antenna and the TX baseband
	IQAll                     // both RX antennas followed by the TX baseband
	RSSIRxIQ0                 // I/Q, AGC gain and RSSI of one RX antenna
)

// DataTypes lists every supported data type.
var DataTypes = []DataType{CSI, RxIQ0IQ1, TxRxIQ0, IQAll, RSSIRxIQ0}

func (dt DataType) String() string {
	switch dt {
	case CSI:
		return "csi"
	case RxIQ0IQ1:
		return "rx_iq0_iq1"
	case TxRxIQ0:
		return "tx_rx_iq0"
	case IQAll:
		return "iq_all"
	case RSSIRxIQ0:
		return "rssi_rx_iq0"
	default:
		return fmt.Sprintf("datatype(%d)", uint8(dt))
	}
}

// ParseDataType converts a data type name to a DataType.
func ParseDataType(s string) (DataType, error) {
	for _, dt := range DataTypes {
		if dt.String() == s {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("decoder: unknown data type %q", s)
}

// Kind returns the transaction kind produced by dt.
func (dt DataType) Kind() Kind {
	if dt == CSI {
		return KindCSI
	}
	return KindIQ
}

// NumRX returns the number of receive streams of dt.
func (dt DataType) NumRX() int {
	switch dt {
	case RxIQ0IQ1, IQAll:
		return 2
	case TxRxIQ0, RSSIRxIQ0:
		return 1
	default:
		return 0
	}
}

// NumBB returns the number of transmit baseband streams of dt.
func (dt DataType) NumBB() int {
	switch dt {
	case TxRxIQ0, IQAll:
		return 1
	default:
		return 0
	}
}

func (dt DataType) valid() bool {
	switch dt {
	case CSI, RxIQ0IQ1, TxRxIQ0, IQAll, RSSIRxIQ0:
		return true
	default:
		return false
	}
}

// Words reinterprets buf as little-endian 16-bit words.
func Words(buf []byte) ([]uint16, error) {
	if len(buf)%2 != 0 {
		return nil, fmt.Errorf("%w (len=%d)", ErrOddLength, len(buf))
	}
	words := make([]uint16, len(buf)/2)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	return words, nil
}

// Reshape splits words into transactions of symbolsPerTrans DMA symbols.
// The returned rows alias words.
func Reshape(words []uint16, symbolsPerTrans int) ([][]uint16, error) {
	if symbolsPerTrans <= 0 {
		return nil, fmt.Errorf("decoder: invalid number of DMA symbols per transaction %d", symbolsPerTrans)
	}
	if len(words) == 0 {
		return nil, ErrEmptyBuffer
	}
	stride := symbolsPerTrans * WordsPerSymbol
	if len(words)%stride != 0 {
		return nil, fmt.Errorf(
			"%w: %d words is not a multiple of %d (%d DMA symbols per transaction, remainder %d)",
			ErrLengthMismatch, len(words), stride, symbolsPerTrans, len(words)%stride,
		)
	}
	n := len(words) / stride
	rows := make([][]uint16, n)
	for i := range rows {
		rows[i] = words[i*stride : (i+1)*stride : (i+1)*stride]
	}
	return rows, nil
}

// uint64At recombines the four words starting at idx.
func uint64At(row []uint16, idx int) uint64 {
	return uint64(row[idx]) |
		uint64(row[idx+1])<<16 |
		uint64(row[idx+2])<<32 |
		uint64(row[idx+3])<<48
}

func loFreq(hdr uint64) uint64 {
	return ((hdr >> loFreqShift) & loFreqMask) * loFreqScale
}

func lane(row []uint16, sym, lane int) int16 {
	return int16(row[sym*WordsPerSymbol+lane])
}

func cplx(re, im int16) complex64 {
	return complex(float32(re), float32(im))
}
