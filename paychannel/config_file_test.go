package paychannel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFileConfig_ParsesPaymentTimeout(t *testing.T) {
	cfg, err := ParseFileConfig([]byte("payment_timeout: 45s\n"))
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.PaymentTimeout)
}

func TestParseFileConfig_EmptyFileLeavesZeroValues(t *testing.T) {
	cfg, err := ParseFileConfig([]byte(""))
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), cfg.PaymentTimeout)
}

func TestParseFileConfig_InvalidDurationErrors(t *testing.T) {
	_, err := ParseFileConfig([]byte("payment_timeout: not-a-duration\n"))
	require.Error(t, err)
}

func TestLoadFileConfig_MissingFileErrors(t *testing.T) {
	_, err := LoadFileConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadFileConfig_ReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("payment_timeout: 10s\n"), 0o644))

	cfg, err := LoadFileConfig(path)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.PaymentTimeout)
}

func TestFileConfig_ApplyToOverridesOnlySetFields(t *testing.T) {
	cfg := Config{PaymentTimeout: time.Minute}
	fc := &FileConfig{PaymentTimeout: 90 * time.Second}
	fc.ApplyTo(&cfg)
	require.Equal(t, 90*time.Second, cfg.PaymentTimeout)

	cfg2 := Config{PaymentTimeout: time.Minute}
	empty := &FileConfig{}
	empty.ApplyTo(&cfg2)
	require.Equal(t, time.Minute, cfg2.PaymentTimeout, "a file silent on payment_timeout must not clobber the caller's setting")
}
