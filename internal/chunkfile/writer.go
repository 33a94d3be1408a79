package chunkfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Writer appends framed chunks to a stream.
type Writer struct {
	w      *bufio.Writer
	closes []func() error

	hdr    [headerSize]byte
	chunks int
	bytes  int64
}

// NewWriter returns a Writer framing chunks onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 1<<16)}
}

// Create creates the named capture file, zstd compressed if the name ends
// in ".zst".
func Create(fname string) (*Writer, error) {
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk file: %w", err)
	}

	if !strings.HasSuffix(fname, zstdExt) {
		w := NewWriter(f)
		w.closes = []func() error{f.Close}
		return w, nil
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create zstd encoder for %q: %w", fname, err)
	}
	w := NewWriter(enc)
	w.closes = []func() error{enc.Close, f.Close}
	return w, nil
}

// WriteChunk frames and writes one payload.
func (w *Writer) WriteChunk(p []byte) error {
	binary.LittleEndian.PutUint32(w.hdr[:magicSize], Magic)
	binary.LittleEndian.PutUint64(w.hdr[magicSize:], uint64(len(p)))
	if _, err := w.w.Write(w.hdr[:]); err != nil {
		return fmt.Errorf("failed to write chunk header: %w", err)
	}
	if _, err := w.w.Write(p); err != nil {
		return fmt.Errorf("failed to write chunk payload: %w", err)
	}
	w.chunks++
	w.bytes += int64(len(p))
	return nil
}

// Chunks returns the number of chunks written so far.
func (w *Writer) Chunks() int { return w.chunks }

// Bytes returns the number of payload bytes written so far.
func (w *Writer) Bytes() int64 { return w.bytes }

// Flush writes buffered data to the underlying stream.
func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush chunk writer: %w", err)
	}
	return nil
}

// Close flushes buffered chunks and closes the underlying file, if any.
func (w *Writer) Close() error {
	err := w.Flush()
	for _, c := range w.closes {
		if e := c(); e != nil && err == nil {
			err = fmt.Errorf("failed to close chunk file: %w", e)
		}
	}
	w.closes = nil
	return err
}
