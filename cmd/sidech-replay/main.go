// Side-channel replay - streams a recorded chunk file to a collector
// This program sends every chunk of a capture file as one UDP datagram,
// as the openwifi side channel would. Without a file it can generate
// synthetic CSI or IQ traffic instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sidech-collector/internal/chunkfile"
	"sidech-collector/internal/decoder"
	"sidech-collector/internal/logging"
	"sidech-collector/internal/replay"
	"sidech-collector/internal/version"

	"github.com/spf13/cobra"
)

var (
	dest        string
	rate        float64
	batch       int
	loops       int
	ttl         int
	verbose     bool
	showVersion bool

	synthetic int
	frames    int
	dataType  string
	iqLen     int
	numEq     int
	loFreq    uint64
)

var rootCmd = &cobra.Command{
	Use:   "sidech-replay [capture.bin]",
	Short: "Stream a recorded side-channel capture over UDP",
	Long: `Side-channel replay reads a chunk file recorded by sidech-collector --raw-out
and sends every chunk as one datagram to a collector, so captures can be
reprocessed without a radio.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.GetVersionInfo("sidech-replay"))
			return
		}
		if len(args) == 0 && synthetic <= 0 {
			fmt.Fprintf(os.Stderr, "Error: filename or --synthetic required\n")
			cmd.Usage()
			os.Exit(1)
		}
		fname := ""
		if len(args) > 0 {
			fname = args[0]
		}
		if err := runReplay(fname); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.Flags().StringVarP(&dest, "dest", "d", "127.0.0.1:4000", "collector address (host:port)")
	rootCmd.Flags().Float64VarP(&rate, "rate", "r", 0, "datagrams per second (0 sends as fast as possible)")
	rootCmd.Flags().IntVarP(&batch, "batch", "b", replay.DefaultBatch, "datagrams per system call")
	rootCmd.Flags().IntVarP(&loops, "loop", "n", 1, "number of passes over the file")
	rootCmd.Flags().IntVar(&ttl, "ttl", 1, "multicast TTL")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.Flags().IntVar(&synthetic, "synthetic", 0, "send this many generated datagrams instead of a file")
	rootCmd.Flags().IntVar(&frames, "frames", 1, "transactions per generated datagram")
	rootCmd.Flags().StringVar(&dataType, "data-type", decoder.CSI.String(), "layout of generated datagrams")
	rootCmd.Flags().IntVar(&iqLen, "iq-len", 1024, "IQ samples per generated transaction")
	rootCmd.Flags().IntVar(&numEq, "num-eq", 8, "equalizer symbols per generated CSI transaction")
	rootCmd.Flags().Uint64Var(&loFreq, "lo-freq", 2437000000, "LO frequency of generated transactions in Hz")
}

// loadPayloads reads fname, or generates traffic when fname is empty.
func loadPayloads(fname string) ([][]byte, string, error) {
	if fname != "" {
		payloads, err := chunkfile.ReadFile(fname)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read capture: %w", err)
		}
		if len(payloads) == 0 {
			return nil, "", fmt.Errorf("capture %s holds no chunk", fname)
		}
		return payloads, fname, nil
	}

	dt, err := decoder.ParseDataType(dataType)
	if err != nil {
		return nil, "", err
	}
	gen := replay.Synthetic{
		Layout:   decoder.Layout{DataType: dt, IQLen: iqLen, NumEq: numEq},
		Payloads: synthetic,
		Frames:   frames,
		LOFreq:   loFreq,
		Delay:    3,
	}
	payloads, err := gen.Generate()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate traffic: %w", err)
	}
	return payloads, "synthetic " + dt.String() + " generator", nil
}

func runReplay(fname string) error {
	level := logging.Info
	if verbose {
		level = logging.Debug
	}
	msg := logging.New(level, logging.Text, os.Stderr)

	payloads, origin, err := loadPayloads(fname)
	if err != nil {
		return err
	}

	s, err := replay.Dial(replay.Config{Dest: dest, Rate: rate, Batch: batch, TTL: ttl}, msg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Replaying %d chunks from %s to %s\n", len(payloads), origin, dest)
	var (
		total replay.Stats
		start = time.Now()
	)
	for i := 0; i < loops || loops <= 0; i++ {
		st, err := s.Send(ctx, payloads)
		total.Datagrams += st.Datagrams
		total.Bytes += st.Bytes
		if err != nil {
			if ctx.Err() != nil {
				fmt.Printf("\nReceived interrupt signal, stopping...\n")
				break
			}
			return err
		}
		msg.Debug("pass done", logging.F("pass", i+1))
	}

	elapsed := time.Since(start).Seconds()
	fmt.Printf("Sent: %d datagrams (%d bytes) in %.3f seconds", total.Datagrams, total.Bytes, elapsed)
	if elapsed > 0 {
		fmt.Printf(" (%.1f datagrams/s)", float64(total.Datagrams)/elapsed)
	}
	fmt.Println()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
