package paychannel

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML-loadable subset of Config tuning knobs (spec.md
// §4.8 timeouts), grounded on sidecar/pricing.go's LoadPricingConfig:
// human-readable strings in the file, parsed into the typed fields a
// caller actually wires into Config.
type FileConfig struct {
	// PaymentTimeout bounds how long a pending payment waits for a
	// response before rejecting with PAYMENT_TIMEOUT (spec.md §4.4.2).
	PaymentTimeoutStr string        `yaml:"payment_timeout"`
	PaymentTimeout    time.Duration `yaml:"-"`
}

// LoadFileConfig reads and parses a YAML tuning file at path.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("paychannel: reading config file: %w", err)
	}
	return ParseFileConfig(data)
}

// ParseFileConfig parses a YAML tuning file's bytes.
func ParseFileConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("paychannel: parsing config file: %w", err)
	}

	if cfg.PaymentTimeoutStr != "" {
		d, err := time.ParseDuration(cfg.PaymentTimeoutStr)
		if err != nil {
			return nil, fmt.Errorf("paychannel: invalid payment_timeout %q: %w", cfg.PaymentTimeoutStr, err)
		}
		cfg.PaymentTimeout = d
	}
	return &cfg, nil
}

// ApplyTo overlays the file-configured tuning knobs onto cfg, leaving
// already-set fields in cfg untouched when the file is silent on them.
func (f *FileConfig) ApplyTo(cfg *Config) {
	if f.PaymentTimeout > 0 {
		cfg.PaymentTimeout = f.PaymentTimeout
	}
}
