// Package config provides configuration structures and defaults for the side-channel collector
package config

import (
	"fmt"
	"time"

	"sidech-collector/internal/decoder"
	"sidech-collector/internal/logging"
)

// Config represents the complete application configuration
type Config struct {
	UDP     UDPConfig     `yaml:"udp" mapstructure:"udp"`         // Side-channel socket settings
	Capture CaptureConfig `yaml:"capture" mapstructure:"capture"` // Capture layout and timing
	Output  OutputConfig  `yaml:"output" mapstructure:"output"`   // Raw recording settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"` // Logging configuration
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"` // Prometheus exposition
}

// UDPConfig contains the side-channel socket parameters
type UDPConfig struct {
	Address            string        `yaml:"address" mapstructure:"address"`                           // Local IP to listen on
	Port               int           `yaml:"port" mapstructure:"port"`                                 // Local UDP port
	ReceiveBufferBytes int           `yaml:"receive_buffer_bytes" mapstructure:"receive_buffer_bytes"` // SO_RCVBUF size
	MaxDMASymbols      int           `yaml:"max_dma_symbols" mapstructure:"max_dma_symbols"`           // Largest datagram, in DMA symbols
	LivenessTimeout    time.Duration `yaml:"liveness_timeout" mapstructure:"liveness_timeout"`         // Wait per receive
	MaxTimeouts        int           `yaml:"max_timeouts" mapstructure:"max_timeouts"`                 // Consecutive timeouts tolerated
}

// CaptureConfig contains the capture layout and termination parameters
type CaptureConfig struct {
	DataType     string        `yaml:"data_type" mapstructure:"data_type"`         // csi, rx_iq0_iq1, tx_rx_iq0, iq_all or rssi_rx_iq0
	IQLen        int           `yaml:"iq_len" mapstructure:"iq_len"`               // IQ samples per transaction
	NumEq        int           `yaml:"num_eq" mapstructure:"num_eq"`               // Equalizer groups per CSI transaction (0-8)
	SamplingTime time.Duration `yaml:"sampling_time" mapstructure:"sampling_time"` // Capture duration, <= 0 captures indefinitely
	StartDelay   time.Duration `yaml:"start_delay" mapstructure:"start_delay"`     // Delay before the capture starts
	StartupGrace time.Duration `yaml:"startup_grace" mapstructure:"startup_grace"` // Wait for the first frame
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"` // Coordinator progress tick
	QueueSize    int           `yaml:"queue_size" mapstructure:"queue_size"`       // Receive queue capacity
	ForwardQueue int           `yaml:"forward_queue" mapstructure:"forward_queue"` // Downstream queue capacity, 0 disables forwarding
	Beep         bool          `yaml:"beep" mapstructure:"beep"`                   // Terminal bell at start, every minute and at end
	File         string        `yaml:"file" mapstructure:"file"`                   // Chunk file to ingest instead of UDP
}

// OutputConfig contains the raw recording parameters
type OutputConfig struct {
	RawFile string `yaml:"raw_file" mapstructure:"raw_file"` // Chunk file receiving every accepted payload (.zst compresses)
}

// LoggingConfig contains logging configuration parameters
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // Log level (debug, info, warn, error)
	Format string `yaml:"format" mapstructure:"format"` // text or json
	File   string `yaml:"file" mapstructure:"file"`     // Log file path, empty logs to stderr
}

// MetricsConfig contains the Prometheus exposition parameters
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"` // Listen address for /metrics, empty disables
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() *Config {
	return &Config{
		UDP: UDPConfig{
			Address:            "192.168.10.1",  // openwifi side-channel host address
			Port:               4000,            // side_ch_ctl UDP port
			ReceiveBufferBytes: 1 << 23,         // 8 MiB socket buffer
			MaxDMASymbols:      8192,            // hardware FIFO depth
			LivenessTimeout:    5 * time.Second, // liveness timeout per receive
			MaxTimeouts:        10,              // fault after 10 consecutive timeouts
		},
		Capture: CaptureConfig{
			DataType:     "csi",                  // CSI capture by default
			IQLen:        4093,                   // 4095 Zedboard FIFO minus the header
			NumEq:        0,                      // no equalizer output
			SamplingTime: -1,                     // capture until interrupted
			StartDelay:   0,                      // start immediately
			StartupGrace: 60 * time.Second,       // wait one minute for the first frame
			PollInterval: 100 * time.Millisecond, // progress tick
			QueueSize:    4096,                   // receive queue capacity
			ForwardQueue: 0,                      // no downstream consumer
			Beep:         false,                  // silent
		},
		Logging: LoggingConfig{
			Level:  "info", // Info level logging
			Format: "text", // Human readable lines
		},
	}
}

// Layout returns the decoder layout described by the capture settings.
func (c *Config) Layout() (decoder.Layout, error) {
	dt, err := decoder.ParseDataType(c.Capture.DataType)
	if err != nil {
		return decoder.Layout{}, err
	}
	return decoder.Layout{DataType: dt, IQLen: c.Capture.IQLen, NumEq: c.Capture.NumEq}, nil
}

// Validate checks the configuration before any component is started.
func (c *Config) Validate() error {
	layout, err := c.Layout()
	if err != nil {
		return fmt.Errorf("invalid capture settings: %w", err)
	}
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("invalid capture settings: %w", err)
	}

	if c.Capture.File == "" {
		if c.UDP.Port < 0 || c.UDP.Port > 65535 {
			return fmt.Errorf("invalid UDP port: %d (must be between 0 and 65535)", c.UDP.Port)
		}
		if c.UDP.LivenessTimeout <= 0 {
			return fmt.Errorf("invalid liveness timeout: %v (must be positive)", c.UDP.LivenessTimeout)
		}
		if c.UDP.MaxTimeouts < 0 {
			return fmt.Errorf("invalid max timeouts: %d", c.UDP.MaxTimeouts)
		}
		if c.UDP.MaxDMASymbols < layout.IQSymbolsPerTrans() && layout.DataType.Kind() == decoder.KindIQ {
			return fmt.Errorf(
				"max_dma_symbols %d cannot hold one %v transaction of %d DMA symbols",
				c.UDP.MaxDMASymbols, layout.DataType, layout.IQSymbolsPerTrans(),
			)
		}
	}
	if c.Capture.QueueSize <= 0 {
		return fmt.Errorf("invalid queue size: %d (must be positive)", c.Capture.QueueSize)
	}
	if c.Capture.ForwardQueue < 0 {
		return fmt.Errorf("invalid forward queue size: %d", c.Capture.ForwardQueue)
	}
	if c.Capture.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval: %v (must be positive)", c.Capture.PollInterval)
	}
	if c.Capture.StartDelay < 0 {
		return fmt.Errorf("invalid start delay: %v", c.Capture.StartDelay)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging settings: %w", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("invalid logging settings: %w", err)
	}
	return nil
}
