package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SETTLEMENTD_COLLECTOR_BASE", "https://collector.test")
	t.Setenv("SETTLEMENTD_DISBURSER_BASE", "https://disburser.test")
	t.Setenv("SETTLEMENTD_CUSTODY_BASE", "https://custody.test")
	t.Setenv("SETTLEMENTD_TREASURY_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("SETTLEMENTD_RATE_FALLBACK", "1400")
}

func TestLoadDefaults(t *testing.T) {
	baseEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, "USDC", cfg.Custody.StableAsset)
	require.Equal(t, 6, cfg.Custody.StableDecimals)
	require.Equal(t, "NGN", cfg.Settlement.FiatCurrency)
	require.Equal(t, time.Minute, cfg.Recon.Interval)
	require.Equal(t, 20, cfg.Recon.MaxAttempts)
}

func TestLoadYAMLOverlay(t *testing.T) {
	baseEnv(t)

	path := filepath.Join(t.TempDir(), "settlementd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
settlement:
  fiat_currency: KES
recon:
  max_attempts: 5
rates:
  offramp:
    markup: "20"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddress)
	require.Equal(t, "KES", cfg.Settlement.FiatCurrency)
	require.Equal(t, 5, cfg.Recon.MaxAttempts)
	require.Equal(t, "20", cfg.Rates.Offramp.Markup)
	// Untouched defaults survive the overlay.
	require.Equal(t, "USDC", cfg.Custody.StableAsset)
}

func TestEnvOverridesYAML(t *testing.T) {
	baseEnv(t)
	t.Setenv("SETTLEMENTD_LISTEN", ":7070")
	t.Setenv("SETTLEMENTD_RECON_MAX_ATTEMPTS", "3")

	path := filepath.Join(t.TempDir(), "settlementd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9090\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.ListenAddress)
	require.Equal(t, 3, cfg.Recon.MaxAttempts)
}

func TestLoadRequiresRails(t *testing.T) {
	t.Setenv("SETTLEMENTD_COLLECTOR_BASE", "")
	t.Setenv("SETTLEMENTD_DISBURSER_BASE", "")
	t.Setenv("SETTLEMENTD_CUSTODY_BASE", "")
	t.Setenv("SETTLEMENTD_TREASURY_ADDRESS", "")
	t.Setenv("SETTLEMENTD_RATE_FALLBACK", "")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	baseEnv(t)
	_, err := Load("/nonexistent/settlementd.yaml")
	require.Error(t, err)
}
