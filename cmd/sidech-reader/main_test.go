package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"sidech-collector/internal/chunkfile"
	"sidech-collector/internal/decoder"
)

func writeCapture(t *testing.T) string {
	t.Helper()
	frames := make([]decoder.CSIFrame, 2)
	for i := range frames {
		frames[i].Timestamps[0] = uint64(10 * (i + 1))
		frames[i].LOFreq = 5180000000
		frames[i].CSI = make([]complex64, decoder.CSILen)
		frames[i].CSI[0] = 1
	}
	raw, err := decoder.EncodeCSI(0, frames)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	fname := filepath.Join(t.TempDir(), "capture.bin")
	w, err := chunkfile.Create(fname)
	if err != nil {
		t.Fatalf("Failed to create capture: %v", err)
	}
	if err := w.WriteChunk(raw); err != nil {
		t.Fatalf("Failed to write chunk: %v", err)
	}
	if err := w.WriteChunk([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Failed to write chunk: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close capture: %v", err)
	}
	return fname
}

func TestDisplayFile(t *testing.T) {
	fname := writeCapture(t)

	dataType, iqLen, numEq = "csi", 4093, 0
	showFrames, showDelay, outputFormat = true, true, "table"
	defer func() { showFrames, showDelay = false, false }()

	var out bytes.Buffer
	if err := displayFile(fname, &out); err != nil {
		t.Fatalf("Failed to display file: %v", err)
	}
	for _, want := range []string{
		"Chunks: 2",
		"Frames: 2 (csi=2, iq=0)",
		"Rejected chunks: 1",
		"5180.000",
		"peak=0",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in output:\n%s", want, out.String())
		}
	}
}

func TestFrameRowsJSON(t *testing.T) {
	rec := decoder.Record{
		Kind: decoder.KindIQ,
		IQ: []decoder.IQFrame{
			{Timestamp: 7, LOFreq: 2412000000, CaptureAll: 1, RX0: make([]complex64, 16)},
		},
	}
	outputFormat = "json"
	defer func() { outputFormat = "table" }()

	var out bytes.Buffer
	if err := writeRows(&out, frameRows(3, rec)); err != nil {
		t.Fatalf("Failed to write rows: %v", err)
	}
	var rows []frameRow
	if err := json.Unmarshal(out.Bytes(), &rows); err != nil {
		t.Fatalf("Failed to decode rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("invalid number of rows: %d", len(rows))
	}
	if got, want := rows[0], (frameRow{Chunk: 3, Kind: "iq", Timestamp: 7, LOFreqMHz: 2412, CaptureAll: 1, Samples: 16}); got != want {
		t.Fatalf("invalid row:\ngot= %+v\nwant=%+v", got, want)
	}
}
