// Side-channel collector - openwifi CSI and IQ acquisition tool
// This program receives the side-channel datagrams an openwifi radio
// streams over UDP, validates and decodes them, and reports capture rates.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sidech-collector/internal/chunkfile"
	"sidech-collector/internal/collector"
	"sidech-collector/internal/config"
	"sidech-collector/internal/decoder"
	"sidech-collector/internal/logging"
	"sidech-collector/internal/metrics"
	"sidech-collector/internal/udp"
	"sidech-collector/internal/version"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Command line flag variables
var (
	cfgFile     string // Configuration file path
	verbose     bool   // Debug logging and progress output
	showVersion bool   // Print version information and exit
	dumpConfig  bool   // Print the effective configuration and exit
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sidech-collector",
	Short: "openwifi side-channel CSI and IQ collector",
	Long: `The side-channel collector receives the CSI and IQ datagrams an openwifi
radio streams over UDP, validates and decodes every transaction, and
reports the capture rate. Captures can be recorded to chunk files and
replayed with --file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version.GetVersionInfo("sidech-collector"))
			return nil
		}
		return runCollector()
	},
}

// init initializes the CLI flags and configuration
func init() {
	cobra.OnInitialize(initConfig)

	def := config.DefaultConfig()

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "./config.yaml", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output and progress")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version information and exit")
	rootCmd.Flags().BoolVar(&dumpConfig, "dump-config", false, "print the effective configuration as YAML and exit")

	// Socket options
	rootCmd.Flags().String("addr", def.UDP.Address, "local IP address to listen on")
	rootCmd.Flags().IntP("port", "p", def.UDP.Port, "local UDP port")
	rootCmd.Flags().Int("rcvbuf", def.UDP.ReceiveBufferBytes, "socket receive buffer size (bytes)")
	rootCmd.Flags().Duration("liveness-timeout", def.UDP.LivenessTimeout, "wait per receive before counting a timeout")
	rootCmd.Flags().Int("max-timeouts", def.UDP.MaxTimeouts, "consecutive receive timeouts tolerated")

	// Capture options
	rootCmd.Flags().StringP("data-type", "t", def.Capture.DataType,
		"data type: "+strings.Join(dataTypeNames(), ", "))
	rootCmd.Flags().Int("iq-len", def.Capture.IQLen, "IQ samples per transaction")
	rootCmd.Flags().Int("num-eq", def.Capture.NumEq, "equalizer groups per CSI transaction (0-8)")
	rootCmd.Flags().DurationP("duration", "d", def.Capture.SamplingTime, "sampling time from the first frame (<= 0 captures until interrupted)")
	rootCmd.Flags().Duration("start-delay", def.Capture.StartDelay, "delay before the capture starts")
	rootCmd.Flags().Duration("startup-grace", def.Capture.StartupGrace, "give up when no frame arrives within this time")
	rootCmd.Flags().Bool("beep", def.Capture.Beep, "ring the terminal bell at start, every minute and at end")
	rootCmd.Flags().StringP("file", "f", def.Capture.File, "ingest a chunk file instead of the UDP socket")

	// Output options
	rootCmd.Flags().StringP("raw-out", "o", def.Output.RawFile, "record accepted payloads to a chunk file (.zst compresses)")
	rootCmd.Flags().String("metrics-addr", def.Metrics.Addr, "serve Prometheus metrics on this address")
	rootCmd.Flags().String("log-level", def.Logging.Level, "log level (debug, info, warn, error)")
	rootCmd.Flags().String("log-format", def.Logging.Format, "log format (text, json)")

	// Bind command line flags to viper configuration keys
	for key, flag := range map[string]string{
		"udp.address":              "addr",
		"udp.port":                 "port",
		"udp.receive_buffer_bytes": "rcvbuf",
		"udp.liveness_timeout":     "liveness-timeout",
		"udp.max_timeouts":         "max-timeouts",
		"capture.data_type":        "data-type",
		"capture.iq_len":           "iq-len",
		"capture.num_eq":           "num-eq",
		"capture.sampling_time":    "duration",
		"capture.start_delay":      "start-delay",
		"capture.startup_grace":    "startup-grace",
		"capture.beep":             "beep",
		"capture.file":             "file",
		"output.raw_file":          "raw-out",
		"metrics.addr":             "metrics-addr",
		"logging.level":            "log-level",
		"logging.format":           "log-format",
	} {
		viper.BindPFlag(key, rootCmd.Flags().Lookup(flag))
	}
}

func dataTypeNames() []string {
	names := make([]string, len(decoder.DataTypes))
	for i, dt := range decoder.DataTypes {
		names[i] = dt.String()
	}
	return names
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	// SIDECH_CAPTURE_DATA_TYPE overrides capture.data_type
	viper.SetEnvPrefix("SIDECH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// runCollector is the main application logic
func runCollector() error {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if dumpConfig {
		raw, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Print(string(raw))
		return nil
	}

	msg, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	layout, err := cfg.Layout()
	if err != nil {
		return err
	}

	fmt.Printf("Side-channel collector starting...\n")
	fmt.Printf("Data type: %v\n", layout.DataType)
	if layout.DataType.Kind() == decoder.KindIQ {
		fmt.Printf("IQ length: %d samples (%d bytes per transaction)\n", layout.IQLen, layout.BytesPerTrans(decoder.KindIQ))
	} else {
		fmt.Printf("Equalizers: %d (%d bytes per transaction)\n", layout.NumEq, layout.BytesPerTrans(decoder.KindCSI))
	}
	if cfg.Capture.SamplingTime > 0 {
		fmt.Printf("Duration: %v\n", cfg.Capture.SamplingTime)
	} else {
		fmt.Printf("Duration: until interrupted\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := metrics.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := mon.Serve(ctx, cfg.Metrics.Addr, msg); err != nil {
				msg.Error("metrics server stopped", logging.F("err", err))
			}
		}()
	}

	opts := collector.Options{
		Layout:       layout,
		SamplingTime: cfg.Capture.SamplingTime,
		StartupGrace: cfg.Capture.StartupGrace,
		StartDelay:   cfg.Capture.StartDelay,
		PollInterval: cfg.Capture.PollInterval,
		QueueSize:    cfg.Capture.QueueSize,
		Receiver: collector.ReceiverConfig{
			LivenessTimeout: cfg.UDP.LivenessTimeout,
			MaxTimeouts:     cfg.UDP.MaxTimeouts,
		},
		Beep:     cfg.Capture.Beep,
		Progress: verbose,
		Terminal: os.Stdout,
	}

	if cfg.Output.RawFile != "" {
		rec, err := chunkfile.Create(cfg.Output.RawFile)
		if err != nil {
			return fmt.Errorf("failed to create raw output: %w", err)
		}
		defer func() {
			if err := rec.Close(); err != nil {
				msg.Error("failed to close raw output", logging.F("err", err))
			}
			fmt.Printf("Recorded: %d payloads (%d bytes) to %s\n", rec.Chunks(), rec.Bytes(), cfg.Output.RawFile)
		}()
		opts.Recorder = rec
	}

	if n := cfg.Capture.ForwardQueue; n > 0 {
		fwd := make(chan collector.Forwarded, n)
		done := make(chan struct{})
		opts.Forward = fwd
		opts.DataGen = done
		go consume(fwd, done, msg)
	}

	c := collector.NewCollector(opts, msg, mon)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			fmt.Printf("\nReceived interrupt signal, shutting down...\n")
			c.Stop()
		case <-ctx.Done():
		}
	}()

	var sum collector.Summary
	if cfg.Capture.File != "" {
		fmt.Printf("Input: %s\n", cfg.Capture.File)
		sum, err = c.RunFile(ctx, cfg.Capture.File)
	} else {
		src, berr := udp.Bind(ctx, udp.Config{
			Address:            cfg.UDP.Address,
			Port:               cfg.UDP.Port,
			ReceiveBufferBytes: cfg.UDP.ReceiveBufferBytes,
			MaxDMASymbols:      cfg.UDP.MaxDMASymbols,
		}, msg)
		if berr != nil {
			var bind *udp.BindError
			if errors.As(berr, &bind) {
				msg.Error("failed to bind side-channel socket", logging.F("addr", bind.Addr))
			}
			return berr
		}
		fmt.Printf("Listening: %v\n", src.Addr())
		sum, err = c.Capture(ctx, src)
	}
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}
	if sum.Fault {
		return fmt.Errorf("capture failed: %s", sum.Reason)
	}

	fmt.Printf("Capture completed successfully.\n")
	return nil
}

// consume stands in for the downstream processing stage and drains
// forwarded records until the collector releases it.
func consume(fwd <-chan collector.Forwarded, done <-chan struct{}, msg logging.Logger) {
	msg = msg.With(logging.F("stage", "downstream"))
	n := 0
	for {
		select {
		case f := <-fwd:
			n += f.Frames
			msg.Debug("forwarded record", logging.F("kind", f.Record.Kind), logging.F("n_frames", f.Frames))
		case <-done:
			msg.Info("downstream stopped", logging.F("frames", n))
			return
		}
	}
}

func newLogger(cfg config.LoggingConfig) (logging.Logger, func(), error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	}
	return logging.New(level, format, out), closeFn, nil
}

// main is the entry point of the application
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
