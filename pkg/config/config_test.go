package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rcv.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "GPS_L1_CA", cfg.Receiver.Signal)
	assert.Equal(t, 4.0e6, cfg.Frontend.SampleRate)
	assert.Equal(t, 250.0, cfg.Acquisition.DopplerStepHz)
	assert.Equal(t, 3, cfg.Tracking.PLLOrder)
	assert.Equal(t, 20, cfg.Lock.CN0Window)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTemp(t, `
[frontend]
sample_rate = 2.048e6
file = "capture.bin"

[receiver]
signal = "BeiDou_B1I"
prns = [1, 5, 30]

[tracking]
pll_bw_hz = 25.0
extend_correlation_symbols = 20
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2.048e6, cfg.Frontend.SampleRate)
	assert.Equal(t, "capture.bin", cfg.Frontend.File)
	assert.Equal(t, []int{1, 5, 30}, cfg.Receiver.PRNs)
	assert.Equal(t, 25.0, cfg.Tracking.PLLBwHz)
	assert.Equal(t, 20, cfg.Tracking.ExtendCorrelationSymbols)
	// untouched keys keep their defaults
	assert.Equal(t, 2.0, cfg.Tracking.DLLBwHz)

	sig, err := cfg.SignalConfig()
	require.NoError(t, err)
	assert.Equal(t, "BeiDou_B1I", sig.Name)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []string{
		"[receiver]\nsignal = \"GLONASS_L1\"\n",
		"[frontend]\nsample_rate = -1.0\n",
		"[receiver]\nprns = [0]\n",
		"[acquisition]\ndoppler_step_hz = 0.0\n",
		"[acquisition]\nthreshold = 0.0\n",
		"[tracking]\ndll_order = 5\n",
		"[tracking]\npll_order = 1\n",
		"[tracking]\nel_spc_narrow_chips = 0.9\n",
		"[lock]\ncn0_window = 0\n",
	}
	for _, body := range cases {
		_, err := Load(writeTemp(t, body))
		assert.Error(t, err, "body %q", body)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestDerivedConfigs(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	a := cfg.AcquisitionConfig()
	assert.Equal(t, cfg.Acquisition.Threshold, a.Threshold)
	assert.Equal(t, 16, a.FinePaddingFactor)

	trk := cfg.TrackingConfig()
	assert.Equal(t, cfg.Frontend.SampleRate, trk.FsHz)
	assert.Equal(t, cfg.Tracking.PLLBwHz, trk.PLLBwHz)
	assert.Equal(t, cfg.Lock.CN0MinDbHz, trk.Monitor.CN0MinDbHz)
}
