package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"sidech-collector/internal/decoder"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration is invalid: %+v", err)
	}
	layout, err := cfg.Layout()
	if err != nil {
		t.Fatalf("Failed to build layout: %v", err)
	}
	if got, want := layout.DataType, decoder.CSI; got != want {
		t.Fatalf("invalid data type: got=%v, want=%v", got, want)
	}
	if got, want := cfg.UDP.ReceiveBufferBytes, 1<<23; got != want {
		t.Fatalf("invalid receive buffer: got=%d, want=%d", got, want)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(c *Config)
		err    string
	}{
		{name: "bad-data-type", modify: func(c *Config) { c.Capture.DataType = "iq" }, err: "unknown data type"},
		{name: "bad-num-eq", modify: func(c *Config) { c.Capture.NumEq = 9 }, err: "num_eq"},
		{name: "iq-too-long", modify: func(c *Config) {
			c.Capture.DataType = "iq_all"
			c.Capture.IQLen = 8000
		}, err: "UDP limit"},
		{name: "bad-port", modify: func(c *Config) { c.UDP.Port = 70000 }, err: "invalid UDP port"},
		{name: "file-ignores-udp", modify: func(c *Config) {
			c.Capture.File = "capture.bin"
			c.UDP.Port = 70000
		}},
		{name: "bad-queue", modify: func(c *Config) { c.Capture.QueueSize = 0 }, err: "queue size"},
		{name: "bad-level", modify: func(c *Config) { c.Logging.Level = "trace" }, err: "log level"},
		{name: "bad-timeout", modify: func(c *Config) { c.UDP.LivenessTimeout = 0 }, err: "liveness timeout"},
		{name: "small-datagram", modify: func(c *Config) {
			c.Capture.DataType = "rx_iq0_iq1"
			c.UDP.MaxDMASymbols = 16
		}, err: "max_dma_symbols"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			switch {
			case tc.err == "" && err != nil:
				t.Fatalf("Failed to validate: %v", err)
			case tc.err != "" && err == nil:
				t.Fatalf("expected an error containing %q", tc.err)
			case tc.err != "" && !strings.Contains(err.Error(), tc.err):
				t.Fatalf("invalid error: got=%q, want substring %q", err, tc.err)
			}
		})
	}
}

func TestViperUnmarshal(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(fname, []byte(`
udp:
  port: 5000
  liveness_timeout: 2s
capture:
  data_type: tx_rx_iq0
  iq_len: 512
  sampling_time: 30s
logging:
  level: debug
`), 0644)
	if err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	v := viper.New()
	v.SetConfigFile(fname)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		t.Fatalf("Failed to unmarshal config: %v", err)
	}

	if got, want := cfg.UDP.Port, 5000; got != want {
		t.Fatalf("invalid port: got=%d, want=%d", got, want)
	}
	if got, want := cfg.UDP.Address, "192.168.10.1"; got != want {
		t.Fatalf("default address lost: got=%q, want=%q", got, want)
	}
	if got, want := cfg.UDP.LivenessTimeout, 2*time.Second; got != want {
		t.Fatalf("invalid liveness timeout: got=%v, want=%v", got, want)
	}
	if got, want := cfg.Capture.SamplingTime, 30*time.Second; got != want {
		t.Fatalf("invalid sampling time: got=%v, want=%v", got, want)
	}
	if got, want := cfg.Capture.IQLen, 512; got != want {
		t.Fatalf("invalid iq_len: got=%d, want=%d", got, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid configuration: %+v", err)
	}
}

func TestYAMLDump(t *testing.T) {
	raw, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}
	for _, key := range []string{"udp:", "receive_buffer_bytes:", "data_type: csi", "startup_grace:"} {
		if !strings.Contains(string(raw), key) {
			t.Fatalf("missing %q in dump:\n%s", key, raw)
		}
	}
}
