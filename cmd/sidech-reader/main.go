// Side-channel reader - utility to display the contents of capture files
// This program decodes the chunk files recorded by sidech-collector and
// prints per-chunk, per-frame and statistical summaries.
package main

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"sidech-collector/internal/chunkfile"
	"sidech-collector/internal/decoder"
	"sidech-collector/internal/logging"
	"sidech-collector/internal/stats"
	"sidech-collector/internal/version"

	"github.com/spf13/cobra"
)

var (
	dataType     string
	iqLen        int
	numEq        int
	showFrames   bool
	showStats    bool
	showDelay    bool
	hexBytes     int
	maxChunks    int
	outputFormat string
	showVersion  bool
)

var rootCmd = &cobra.Command{
	Use:   "sidech-reader [capture.bin]",
	Short: "Display contents of side-channel capture files",
	Long: `Side-channel reader decodes the chunk files recorded by sidech-collector
and displays what they hold. The layout flags must match the capture.

Display modes:
  --frames     Show one line per decoded frame
  --stats      Show statistics of every decoded stream
  --delay      Show the strongest delay tap of every CSI frame
  --hex N      Show the first N raw bytes of every chunk`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.GetVersionInfo("sidech-reader"))
			return
		}
		if len(args) == 0 {
			fmt.Fprintf(os.Stderr, "Error: filename required\n")
			cmd.Usage()
			os.Exit(1)
		}
		if err := displayFile(args[0], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.Flags().StringVarP(&dataType, "data-type", "t", decoder.CSI.String(), "data type of the capture")
	rootCmd.Flags().IntVar(&iqLen, "iq-len", 4093, "IQ samples per transaction")
	rootCmd.Flags().IntVar(&numEq, "num-eq", 0, "equalizer groups per CSI transaction")
	rootCmd.Flags().BoolVarP(&showFrames, "frames", "s", false, "display one line per frame")
	rootCmd.Flags().BoolVar(&showStats, "stats", false, "show statistical analysis of every stream")
	rootCmd.Flags().BoolVar(&showDelay, "delay", false, "show the CSI delay profile peak of every frame")
	rootCmd.Flags().IntVar(&hexBytes, "hex", 0, "dump the first N bytes of every chunk")
	rootCmd.Flags().IntVarP(&maxChunks, "max", "n", 0, "stop after N chunks (0 reads all)")
	rootCmd.Flags().StringVarP(&outputFormat, "format", "f", "table", "frame output format (table, json, csv)")
}

// frameRow is the per-frame summary printed with --frames.
type frameRow struct {
	Chunk      int     `json:"chunk"`
	Frame      int     `json:"frame"`
	Kind       string  `json:"kind"`
	Timestamp  uint64  `json:"timestamp"`
	LOFreqMHz  float64 `json:"lo_freq_mhz"`
	FreqOffset float64 `json:"freq_offset_hz,omitempty"`
	TriggerSrc uint8   `json:"trigger_src,omitempty"`
	CaptureAll uint8   `json:"capture_all_antenna,omitempty"`
	Samples    int     `json:"samples"`
	DelayPeak  *int    `json:"delay_peak,omitempty"`
}

func displayFile(fname string, out io.Writer) error {
	info, err := os.Stat(fname)
	if err != nil {
		return fmt.Errorf("failed to stat capture: %w", err)
	}

	dt, err := decoder.ParseDataType(dataType)
	if err != nil {
		return err
	}
	layout := decoder.Layout{DataType: dt, IQLen: iqLen, NumEq: numEq}
	if err := layout.Validate(); err != nil {
		return err
	}

	msg := logging.New(logging.Warn, logging.Text, os.Stderr)
	r, err := chunkfile.Open(fname, msg)
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Fprintf(out, "SIDE-CHANNEL CAPTURE READER %s\n\n", version.GetVersion())
	fmt.Fprintf(out, "File Information:\n")
	fmt.Fprintf(out, "Name: %s\n", filepath.Base(fname))
	fmt.Fprintf(out, "Size: %.2f MB (%d bytes)\n", float64(info.Size())/(1024*1024), info.Size())
	fmt.Fprintf(out, "Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Layout: %v (iq_len=%d, num_eq=%d)\n\n", layout.DataType, layout.IQLen, layout.NumEq)

	var (
		rows     []frameRow
		frames   int
		rejected int
		warnings int
		csiN     int
		iqN      int
	)
	for r.Scan() {
		if maxChunks > 0 && r.Chunks() > maxChunks {
			break
		}
		idx := r.Chunks() - 1
		p := r.Chunk()
		if hexBytes > 0 {
			n := min(hexBytes, len(p))
			fmt.Fprintf(out, "Chunk %d (%d bytes):\n%s", idx, len(p), hex.Dump(p[:n]))
		}

		rec, err := layout.Decode(p)
		if err != nil {
			rejected++
			fmt.Fprintf(out, "Chunk %d: %v\n", idx, err)
			continue
		}
		warnings += len(rec.Warnings)
		for _, w := range rec.Warnings {
			fmt.Fprintf(out, "Chunk %d: warning: %s\n", idx, w)
		}
		frames += rec.NumFrames()
		if rec.Kind == decoder.KindCSI {
			csiN += rec.NumFrames()
		} else {
			iqN += rec.NumFrames()
		}

		if showFrames {
			rows = append(rows, frameRows(idx, rec)...)
		}
		if showStats {
			displayStatistics(out, idx, rec)
		}
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("failed to read capture: %w", err)
	}

	if showFrames {
		if err := writeRows(out, rows); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "\nCapture Summary:\n")
	fmt.Fprintf(out, "Chunks: %d\n", r.Chunks())
	fmt.Fprintf(out, "Frames: %d (csi=%d, iq=%d)\n", frames, csiN, iqN)
	fmt.Fprintf(out, "Rejected chunks: %d\n", rejected)
	fmt.Fprintf(out, "Decoder warnings: %d\n", warnings)
	fmt.Fprintf(out, "Skipped bytes: %d\n", r.Skipped())
	fmt.Fprintf(out, "Truncated chunks: %d\n", r.Truncated())
	return nil
}

func frameRows(chunk int, rec decoder.Record) []frameRow {
	rows := make([]frameRow, 0, rec.NumFrames())
	switch rec.Kind {
	case decoder.KindCSI:
		for i, f := range rec.CSI {
			row := frameRow{
				Chunk:      chunk,
				Frame:      i,
				Kind:       rec.Kind.String(),
				Timestamp:  f.Timestamp(),
				LOFreqMHz:  float64(f.LOFreq) / 1e6,
				FreqOffset: f.FreqOffset,
				Samples:    len(f.CSI),
			}
			if showDelay {
				_, peak := stats.DelayProfile(f.CSI)
				row.DelayPeak = &peak
			}
			rows = append(rows, row)
		}
	case decoder.KindIQ:
		for i, f := range rec.IQ {
			rows = append(rows, frameRow{
				Chunk:      chunk,
				Frame:      i,
				Kind:       rec.Kind.String(),
				Timestamp:  f.Timestamp,
				LOFreqMHz:  float64(f.LOFreq) / 1e6,
				TriggerSrc: f.TriggerSrc,
				CaptureAll: f.CaptureAll,
				Samples:    len(f.RX0),
			})
		}
	}
	return rows
}

func writeRows(out io.Writer, rows []frameRow) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)

	case "csv":
		w := csv.NewWriter(out)
		_ = w.Write([]string{"chunk", "frame", "kind", "timestamp", "lo_freq_mhz", "freq_offset_hz", "trigger_src", "capture_all_antenna", "samples"})
		for _, r := range rows {
			_ = w.Write([]string{
				strconv.Itoa(r.Chunk),
				strconv.Itoa(r.Frame),
				r.Kind,
				strconv.FormatUint(r.Timestamp, 10),
				strconv.FormatFloat(r.LOFreqMHz, 'f', 3, 64),
				strconv.FormatFloat(r.FreqOffset, 'f', 3, 64),
				strconv.Itoa(int(r.TriggerSrc)),
				strconv.Itoa(int(r.CaptureAll)),
				strconv.Itoa(r.Samples),
			})
		}
		w.Flush()
		return w.Error()

	case "table":
		fmt.Fprintf(out, "\nFrames:\n")
		fmt.Fprintf(out, "%6s %6s %4s %20s %12s %14s %8s\n", "chunk", "frame", "kind", "timestamp", "lo (MHz)", "offset (Hz)", "samples")
		for _, r := range rows {
			fmt.Fprintf(out, "%6d %6d %4s %20d %12.3f %14.3f %8d", r.Chunk, r.Frame, r.Kind, r.Timestamp, r.LOFreqMHz, r.FreqOffset, r.Samples)
			if r.DelayPeak != nil {
				fmt.Fprintf(out, " peak=%d", *r.DelayPeak)
			}
			fmt.Fprintln(out)
		}
		return nil

	default:
		return fmt.Errorf("invalid output format %q (must be table, json or csv)", outputFormat)
	}
}

func displayStatistics(out io.Writer, chunk int, rec decoder.Record) {
	for _, s := range stats.Record(rec) {
		fmt.Fprintf(out, "Chunk %d %-9s n=%-7d meanI=%10.3f stdI=%10.3f meanQ=%10.3f stdQ=%10.3f power=%8.2f dB peak=%10.3f\n",
			chunk, s.Name, s.N, s.MeanI, s.StdI, s.MeanQ, s.StdQ, s.PowerDB, s.PeakAmp)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
