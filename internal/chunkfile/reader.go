// Package chunkfile reads and writes side-channel captures stored as a
// sequence of framed chunks:
//
//	[magic uint32 LE = 0xDEADBEEF][length uint64 LE][payload]
//
// Each payload is one datagram as received from the radio.
// Files ending in ".zst" are transparently zstd (de)compressed.
package chunkfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"sidech-collector/internal/logging"
)

const (
	Magic      uint32 = 0xDEADBEEF
	magicSize         = 4
	lengthSize        = 8
	headerSize        = magicSize + lengthSize

	// MaxChunkSize bounds the declared length of a chunk. Larger values
	// are treated as a corrupted header.
	MaxChunkSize = 64 << 20

	zstdExt = ".zst"
)

// Reader scans chunks out of a stream, resynchronizing on the magic
// after corrupted or foreign bytes.
type Reader struct {
	r     *bufio.Reader
	close func() error
	msg   logging.Logger

	max     uint64
	chunk   []byte
	err     error
	skipped int64
	trunc   int
	nchunks int
}

// NewReader returns a Reader scanning chunks from r.
func NewReader(r io.Reader, msg logging.Logger) *Reader {
	if msg == nil {
		msg = logging.Nop()
	}
	return &Reader{
		r:   bufio.NewReaderSize(r, 1<<16),
		msg: msg,
		max: MaxChunkSize,
	}
}

// Open opens the named capture file for reading.
func Open(fname string, msg logging.Logger) (*Reader, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk file: %w", err)
	}

	if !strings.HasSuffix(fname, zstdExt) {
		r := NewReader(f, msg)
		r.close = f.Close
		return r, nil
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create zstd decoder for %q: %w", fname, err)
	}
	r := NewReader(dec, msg)
	r.close = func() error {
		dec.Close()
		return f.Close()
	}
	return r, nil
}

// Scan advances to the next complete chunk. It returns false at the end of
// the stream or on a read error, which Err then reports.
func (r *Reader) Scan() bool {
	r.chunk = nil
	if r.err != nil {
		return false
	}

	for {
		hdr, err := r.r.Peek(magicSize)
		if len(hdr) < magicSize {
			if len(hdr) > 0 {
				r.msg.Warn("trailing bytes after last chunk", logging.F("bytes", len(hdr)))
				r.skipped += int64(len(hdr))
			}
			r.setErr(err)
			return false
		}
		if binary.LittleEndian.Uint32(hdr) != Magic {
			r.skip()
			continue
		}

		hdr, err = r.r.Peek(headerSize)
		if len(hdr) < headerSize {
			r.msg.Warn("truncated chunk length", logging.F("bytes", len(hdr)-magicSize))
			r.trunc++
			r.setErr(err)
			return false
		}
		size := binary.LittleEndian.Uint64(hdr[magicSize:])
		if size > r.max {
			r.msg.Warn("chunk length out of range, resynchronizing",
				logging.F("length", size), logging.F("max", r.max),
			)
			r.skip()
			continue
		}
		if _, err := r.r.Discard(headerSize); err != nil {
			r.setErr(err)
			return false
		}

		chunk := make([]byte, size)
		n, err := io.ReadFull(r.r, chunk)
		switch {
		case err == nil:
			r.chunk = chunk
			r.nchunks++
			return true
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
			r.msg.Warn("incomplete data chunk",
				logging.F("expected", size), logging.F("got", n),
			)
			r.trunc++
			continue
		default:
			r.err = fmt.Errorf("failed to read chunk payload: %w", err)
			return false
		}
	}
}

func (r *Reader) skip() {
	_, _ = r.r.Discard(1)
	r.skipped++
}

func (r *Reader) setErr(err error) {
	if err == nil || errors.Is(err, io.EOF) {
		return
	}
	r.err = fmt.Errorf("failed to read chunk header: %w", err)
}

// Chunk returns the payload found by the last successful Scan.
// The slice is owned by the caller.
func (r *Reader) Chunk() []byte { return r.chunk }

// Err returns the first non-EOF error met while scanning.
func (r *Reader) Err() error { return r.err }

// Skipped returns the number of bytes discarded while looking for the magic.
func (r *Reader) Skipped() int64 { return r.skipped }

// Truncated returns the number of incomplete chunks met.
func (r *Reader) Truncated() int { return r.trunc }

// Chunks returns the number of complete chunks scanned so far.
func (r *Reader) Chunks() int { return r.nchunks }

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.close == nil {
		return nil
	}
	err := r.close()
	r.close = nil
	return err
}

// ReadFile reads all complete chunks of the named file.
func ReadFile(fname string) ([][]byte, error) {
	r, err := Open(fname, nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var chunks [][]byte
	for r.Scan() {
		chunks = append(chunks, r.Chunk())
	}
	if err := r.Err(); err != nil {
		return chunks, fmt.Errorf("failed to read %q: %w", fname, err)
	}
	return chunks, nil
}
