// Package config loads and validates the receiver configuration from a
// TOML file layered over built-in defaults. All validation happens at
// load time; nothing downstream checks config values again.
package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/wkazubski/gnss-sdr/pkg/acquisition"
	"github.com/wkazubski/gnss-sdr/pkg/gnss"
	"github.com/wkazubski/gnss-sdr/pkg/loop"
	"github.com/wkazubski/gnss-sdr/pkg/tracking"
)

type FrontendConf struct {
	File             string  `koanf:"file"`
	SampleRate       float64 `koanf:"sample_rate"`
	IntermediateFreq float64 `koanf:"intermediate_freq"`
}

type ReceiverConf struct {
	Signal   string `koanf:"signal"`
	PRNs     []int  `koanf:"prns"`
	Dump     bool   `koanf:"dump"`
	DumpDir  string `koanf:"dump_dir"`
	LogLevel string `koanf:"log_level"`
}

type AcquisitionConf struct {
	DopplerMinHz      float64 `koanf:"doppler_min_hz"`
	DopplerMaxHz      float64 `koanf:"doppler_max_hz"`
	DopplerStepHz     float64 `koanf:"doppler_step_hz"`
	MaxDwells         int     `koanf:"max_dwells"`
	Threshold         float64 `koanf:"threshold"`
	FineFreq          bool    `koanf:"fine_freq"`
	FinePaddingFactor int     `koanf:"fine_padding_factor"`
	FineSanityHz      float64 `koanf:"fine_sanity_hz"`
}

type TrackingConf struct {
	ELSpcChips       float64 `koanf:"el_spc_chips"`
	VESpcChips       float64 `koanf:"ve_spc_chips"`
	ELSpcNarrowChips float64 `koanf:"el_spc_narrow_chips"`
	VESpcNarrowChips float64 `koanf:"ve_spc_narrow_chips"`

	DLLBwHz       float64 `koanf:"dll_bw_hz"`
	DLLBwNarrowHz float64 `koanf:"dll_bw_narrow_hz"`
	PLLBwHz       float64 `koanf:"pll_bw_hz"`
	PLLBwNarrowHz float64 `koanf:"pll_bw_narrow_hz"`
	FLLBwHz       float64 `koanf:"fll_bw_hz"`
	DLLOrder      int     `koanf:"dll_order"`
	PLLOrder      int     `koanf:"pll_order"`

	EnableFLLPullIn          bool    `koanf:"enable_fll_pull_in"`
	PullInTimeS              float64 `koanf:"pull_in_time_s"`
	BitSyncTimeLimitS        float64 `koanf:"bit_sync_time_limit_s"`
	ExtendCorrelationSymbols int     `koanf:"extend_correlation_symbols"`

	CarrierAiding           bool `koanf:"carrier_aiding"`
	HighDyn                 bool `koanf:"high_dyn"`
	SmootherLength          int  `koanf:"smoother_length"`
	EnableDopplerCorrection bool `koanf:"enable_doppler_correction"`
}

type LockConf struct {
	CN0Window            int     `koanf:"cn0_window"`
	CN0MinDbHz           float64 `koanf:"cn0_min_dbhz"`
	CarrierLockThreshold float64 `koanf:"carrier_lock_threshold"`
	MaxCodeFails         int     `koanf:"max_code_fails"`
	MaxCarrierFails      int     `koanf:"max_carrier_fails"`

	CN0SmootherAlpha       float64 `koanf:"cn0_smoother_alpha"`
	CN0SmootherSamples     int     `koanf:"cn0_smoother_samples"`
	CarrierSmootherAlpha   float64 `koanf:"carrier_smoother_alpha"`
	CarrierSmootherSamples int     `koanf:"carrier_smoother_samples"`
}

// Config is the full receiver configuration.
type Config struct {
	Frontend    FrontendConf    `koanf:"frontend"`
	Receiver    ReceiverConf    `koanf:"receiver"`
	Acquisition AcquisitionConf `koanf:"acquisition"`
	Tracking    TrackingConf    `koanf:"tracking"`
	Lock        LockConf        `koanf:"lock"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"frontend.sample_rate":       4.0e6,
		"frontend.intermediate_freq": 0.0,

		"receiver.signal":    "GPS_L1_CA",
		"receiver.dump_dir":  ".",
		"receiver.log_level": "info",

		"acquisition.doppler_min_hz":      -5000.0,
		"acquisition.doppler_max_hz":      5000.0,
		"acquisition.doppler_step_hz":     250.0,
		"acquisition.max_dwells":          1,
		"acquisition.threshold":           0.05,
		"acquisition.fine_freq":           true,
		"acquisition.fine_padding_factor": 16,
		"acquisition.fine_sanity_hz":      1000.0,

		"tracking.el_spc_chips":               0.5,
		"tracking.el_spc_narrow_chips":        0.25,
		"tracking.dll_bw_hz":                  2.0,
		"tracking.dll_bw_narrow_hz":           0.75,
		"tracking.pll_bw_hz":                  35.0,
		"tracking.pll_bw_narrow_hz":           15.0,
		"tracking.fll_bw_hz":                  10.0,
		"tracking.dll_order":                  2,
		"tracking.pll_order":                  3,
		"tracking.enable_fll_pull_in":         true,
		"tracking.pull_in_time_s":             2.0,
		"tracking.bit_sync_time_limit_s":      70.0,
		"tracking.extend_correlation_symbols": 1,
		"tracking.carrier_aiding":             true,
		"tracking.smoother_length":            30,

		"lock.cn0_window":               20,
		"lock.cn0_min_dbhz":             25.0,
		"lock.carrier_lock_threshold":   0.85,
		"lock.max_code_fails":           10,
		"lock.max_carrier_fails":        10,
		"lock.cn0_smoother_alpha":       0.002,
		"lock.cn0_smoother_samples":     200,
		"lock.carrier_smoother_alpha":   0.002,
		"lock.carrier_smoother_samples": 200,
	}
}

// Load reads path (TOML) over the defaults and validates the result. An
// empty path loads the defaults alone.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks everything the processing chain assumes. It runs
// before any sample is touched.
func (c *Config) Validate() error {
	sig, err := gnss.SignalByName(c.Receiver.Signal)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Frontend.SampleRate <= 0 {
		return fmt.Errorf("config: sample_rate %.1f", c.Frontend.SampleRate)
	}
	for _, prn := range c.Receiver.PRNs {
		if prn < 1 || prn > sig.MaxPRN {
			return fmt.Errorf("config: PRN %d outside [1,%d] for %s", prn, sig.MaxPRN, sig.Name)
		}
	}
	a := c.Acquisition
	if a.DopplerStepHz <= 0 || a.DopplerMaxHz < a.DopplerMinHz {
		return fmt.Errorf("config: acquisition doppler grid [%.0f,%.0f] step %.0f",
			a.DopplerMinHz, a.DopplerMaxHz, a.DopplerStepHz)
	}
	if a.Threshold <= 0 {
		return fmt.Errorf("config: acquisition threshold %.2f", a.Threshold)
	}
	t := c.Tracking
	if t.ELSpcChips <= 0 || t.ELSpcNarrowChips <= 0 {
		return fmt.Errorf("config: early-late spacings %.3f/%.3f", t.ELSpcChips, t.ELSpcNarrowChips)
	}
	if t.ELSpcNarrowChips > t.ELSpcChips {
		return fmt.Errorf("config: narrow spacing %.3f exceeds wide %.3f", t.ELSpcNarrowChips, t.ELSpcChips)
	}
	if t.DLLOrder < 1 || t.DLLOrder > 3 {
		return fmt.Errorf("config: dll_order %d", t.DLLOrder)
	}
	if t.PLLOrder < 2 || t.PLLOrder > 3 {
		return fmt.Errorf("config: pll_order %d", t.PLLOrder)
	}
	if t.DLLBwHz <= 0 || t.PLLBwHz <= 0 || t.DLLBwNarrowHz <= 0 || t.PLLBwNarrowHz <= 0 {
		return fmt.Errorf("config: loop bandwidths must be positive")
	}
	if t.ExtendCorrelationSymbols < 0 {
		return fmt.Errorf("config: extend_correlation_symbols %d", t.ExtendCorrelationSymbols)
	}
	if c.Lock.CN0Window <= 0 {
		return fmt.Errorf("config: cn0_window %d", c.Lock.CN0Window)
	}
	return nil
}

// SignalConfig resolves the configured signal record.
func (c *Config) SignalConfig() (gnss.Signal, error) {
	return gnss.SignalByName(c.Receiver.Signal)
}

// AcquisitionConfig maps the acquisition section onto the engine config.
func (c *Config) AcquisitionConfig() acquisition.Config {
	a := c.Acquisition
	return acquisition.Config{
		DopplerMinHz:      a.DopplerMinHz,
		DopplerMaxHz:      a.DopplerMaxHz,
		DopplerStepHz:     a.DopplerStepHz,
		MaxDwells:         a.MaxDwells,
		Threshold:         a.Threshold,
		FineFreq:          a.FineFreq,
		FinePaddingFactor: a.FinePaddingFactor,
		FineSanityHz:      a.FineSanityHz,
	}
}

// TrackingConfig maps the tracking and lock sections onto the tracker
// config. Logger and Recorder are left for the channel to fill.
func (c *Config) TrackingConfig() tracking.Config {
	t := c.Tracking
	l := c.Lock
	return tracking.Config{
		FsHz:                        c.Frontend.SampleRate,
		IFHz:                        c.Frontend.IntermediateFreq,
		EarlyLateSpcChips:           t.ELSpcChips,
		VeryEarlyLateSpcChips:       t.VESpcChips,
		EarlyLateSpcNarrowChips:     t.ELSpcNarrowChips,
		VeryEarlyLateSpcNarrowChips: t.VESpcNarrowChips,
		DLLBwHz:                     t.DLLBwHz,
		DLLBwNarrowHz:               t.DLLBwNarrowHz,
		PLLBwHz:                     t.PLLBwHz,
		PLLBwNarrowHz:               t.PLLBwNarrowHz,
		FLLBwHz:                     t.FLLBwHz,
		DLLOrder:                    t.DLLOrder,
		PLLOrder:                    t.PLLOrder,
		EnableFLLPullIn:             t.EnableFLLPullIn,
		PullInTimeS:                 t.PullInTimeS,
		BitSyncTimeLimitS:           t.BitSyncTimeLimitS,
		ExtendCorrelationSymbols:    t.ExtendCorrelationSymbols,
		CarrierAiding:               t.CarrierAiding,
		HighDyn:                     t.HighDyn,
		SmootherLength:              t.SmootherLength,
		EnableDopplerCorrection:     t.EnableDopplerCorrection,
		Monitor: loop.MonitorConfig{
			WindowSize:             l.CN0Window,
			CN0MinDbHz:             l.CN0MinDbHz,
			CarrierLockThreshold:   l.CarrierLockThreshold,
			MaxCodeFails:           l.MaxCodeFails,
			MaxCarrierFails:        l.MaxCarrierFails,
			CN0SmootherAlpha:       l.CN0SmootherAlpha,
			CN0SmootherSamples:     l.CN0SmootherSamples,
			CarrierSmootherAlpha:   l.CarrierSmootherAlpha,
			CarrierSmootherSamples: l.CarrierSmootherSamples,
		},
	}
}
