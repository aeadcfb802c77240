package tracking

import (
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wkazubski/gnss-sdr/pkg/acquisition"
	"github.com/wkazubski/gnss-sdr/pkg/gnss"
	"github.com/wkazubski/gnss-sdr/pkg/loop"
)

const testFs = 4.0e6

// stream synthesizes a continuous baseband capture for one signal: the
// code rate carries the Doppler scale factor, symbols last one code
// period and take their sign from bitSign.
func stream(t *testing.T, sig gnss.Signal, prn, total, delay int, dopplerHz, sigma float64,
	seed int64, bitSign func(period int) float64) []complex128 {
	t.Helper()
	code, err := gnss.Code(sig, prn)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(seed))
	cps := sig.CodeChipRateHz * (1 + dopplerHz/sig.CarrierFreqHz) / testFs
	clen := float64(len(code))
	out := make([]complex128, total)
	for i := 0; i < total; i++ {
		chips := float64(i-delay) * cps
		chip := math.Mod(chips, clen)
		if chip < 0 {
			chip += clen
		}
		period := int(math.Floor(chips / clen))
		amp := 1.0
		if bitSign != nil {
			amp = bitSign(period)
		}
		phase := 2 * math.Pi * dopplerHz * float64(i) / testFs
		s := complex(amp*float64(code[int(chip)]), 0) * cmplx.Exp(complex(0, phase))
		if sigma > 0 {
			s += complex(rng.NormFloat64()*sigma, rng.NormFloat64()*sigma)
		}
		out[i] = s
	}
	return out
}

func testCfg() Config {
	return Config{
		FsHz:                     testFs,
		EarlyLateSpcChips:        0.5,
		EarlyLateSpcNarrowChips:  0.25,
		DLLBwHz:                  2.0,
		DLLBwNarrowHz:            0.75,
		PLLBwHz:                  35.0,
		PLLBwNarrowHz:            15.0,
		FLLBwHz:                  10.0,
		DLLOrder:                 2,
		PLLOrder:                 3,
		EnableFLLPullIn:          true,
		PullInTimeS:              0.05,
		ExtendCorrelationSymbols: 1,
		CarrierAiding:            true,
		Monitor: loop.MonitorConfig{
			WindowSize:             20,
			CN0MinDbHz:             25,
			CarrierLockThreshold:   0.85,
			MaxCodeFails:           10,
			MaxCarrierFails:        10,
			CN0SmootherAlpha:       0.05,
			CN0SmootherSamples:     10,
			CarrierSmootherAlpha:   0.05,
			CarrierSmootherSamples: 10,
		},
	}
}

// drive feeds periods integration blocks from the capture and returns
// the last valid observable.
func drive(t *testing.T, trk *Tracker, capture []complex128, periods int) (Observable, int) {
	t.Helper()
	var last Observable
	valid := 0
	for p := 0; p < periods; p++ {
		if trk.State() == StateLossOfLock {
			break
		}
		n := trk.NumSamplesNeeded()
		stamp := trk.NextStamp()
		require.LessOrEqual(t, int(stamp)+n, len(capture), "capture too short at period %d", p)
		obs, ok, err := trk.Process(capture[stamp:int(stamp)+n], stamp)
		require.NoError(t, err)
		if ok {
			last = obs
			valid++
		}
	}
	return last, valid
}

func TestStartAlignsToCodeBoundary(t *testing.T) {
	trk, err := New(gnss.GPSL1CA(), 1, testCfg())
	require.NoError(t, err)

	res := acquisition.Result{DopplerHz: 1000, CodePhaseSamples: 300, SampleStamp: 0}
	trk.Start(res, 0)
	assert.Equal(t, uint64(300), trk.NextStamp())
	assert.Equal(t, 4000, trk.NumSamplesNeeded())
	assert.Equal(t, StatePullIn, trk.State())

	// cursor already past the fix: project forward whole code periods
	trk.Start(res, 5000)
	assert.Equal(t, uint64(8300), trk.NextStamp())

	trk.Start(res, 300)
	assert.Equal(t, uint64(300), trk.NextStamp())
}

func TestProcessEnforcesStampContract(t *testing.T) {
	trk, err := New(gnss.GPSL1CA(), 1, testCfg())
	require.NoError(t, err)
	trk.Start(acquisition.Result{}, 0)

	n := trk.NumSamplesNeeded()
	_, _, err = trk.Process(make([]complex128, n), trk.NextStamp()+1)
	assert.ErrorIs(t, err, ErrStreamDiscontinuity)

	_, _, err = trk.Process(make([]complex128, n-1), trk.NextStamp())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrStreamDiscontinuity)
}

func TestProcessRefusedWhenIdle(t *testing.T) {
	trk, err := New(gnss.GPSL1CA(), 1, testCfg())
	require.NoError(t, err)
	_, _, err = trk.Process(make([]complex128, 10), 0)
	assert.Error(t, err)
}

func TestSampleCounterAdvancesExactly(t *testing.T) {
	const periods = 100
	capture := stream(t, gnss.GPSL1CA(), 3, (periods+2)*4000, 300, 1500, 0, 1, nil)
	trk, err := New(gnss.GPSL1CA(), 3, testCfg())
	require.NoError(t, err)
	trk.Start(acquisition.Result{DopplerHz: 1500, CodePhaseSamples: 300}, 0)

	for p := 0; p < periods; p++ {
		n := trk.NumSamplesNeeded()
		stamp := trk.NextStamp()
		_, _, err := trk.Process(capture[stamp:int(stamp)+n], stamp)
		require.NoError(t, err)
		// next stamp moves by exactly the consumed block, no drift
		require.Equal(t, stamp+uint64(n), trk.NextStamp())
		require.Less(t, math.Abs(trk.remCodeSmpl), 0.5+1e-9)
	}
}

func TestCarrierPhaseAccumulation(t *testing.T) {
	// With a pure IF carrier and zero Doppler the accumulated carrier
	// phase must follow 2*pi*IF*samples/fs.
	const ifHz = 10000.0
	const periods = 120
	sig := gnss.GPSL1CA()
	code, err := gnss.CACode(9)
	require.NoError(t, err)
	total := (periods + 2) * 4000
	capture := make([]complex128, total)
	cps := sig.CodeChipRateHz / testFs
	for i := range capture {
		chip := math.Mod(float64(i)*cps, 1023)
		phase := 2 * math.Pi * ifHz * float64(i) / testFs
		capture[i] = complex(float64(code[int(chip)]), 0) * cmplx.Exp(complex(0, phase))
	}

	cfg := testCfg()
	cfg.IFHz = ifHz
	trk, err := New(sig, 9, cfg)
	require.NoError(t, err)
	trk.Start(acquisition.Result{DopplerHz: 0, CodePhaseSamples: 0}, 0)

	obs, valid := drive(t, trk, capture, periods)
	require.Greater(t, valid, 0)
	require.True(t, obs.Valid)
	consumed := float64(trk.NextStamp())
	want := 2 * math.Pi * ifHz * consumed / testFs
	assert.InDelta(t, want, obs.CarrierPhaseRad, 1.0)
	assert.InDelta(t, 0.0, obs.CarrierDopplerHz, 5.0)
}

func TestTracksDopplerAndSyncs(t *testing.T) {
	const periods = 300
	capture := stream(t, gnss.GPSL1CA(), 7, (periods+2)*4000, 300, 1500, 0, 2, nil)

	cfg := testCfg()
	cfg.ExtendCorrelationSymbols = 4
	trk, err := New(gnss.GPSL1CA(), 7, cfg)
	require.NoError(t, err)
	trk.Start(acquisition.Result{DopplerHz: 1500, CodePhaseSamples: 300}, 0)

	obs, valid := drive(t, trk, capture, periods)
	require.Greater(t, valid, periods/4)
	assert.InDelta(t, 1500.0, obs.CarrierDopplerHz, 5.0)
	assert.Greater(t, obs.CN0DbHz, 30.0)
	// symbol sync must have engaged the narrowed, extended loops
	assert.Contains(t, []State{StateCoherentExtension, StateNarrowTracking}, trk.State())
	assert.InDelta(t, 4.0, obs.CorrelationLengthMs, 0.1)
}

func TestCoarseDopplerPullIn(t *testing.T) {
	// acquisition hands over a Doppler off by half a coarse bin; the
	// FLL assisted pull-in must close the gap
	const periods = 200
	capture := stream(t, gnss.GPSL1CA(), 11, (periods+2)*4000, 0, 1500, 0, 3, nil)
	trk, err := New(gnss.GPSL1CA(), 11, testCfg())
	require.NoError(t, err)
	trk.Start(acquisition.Result{DopplerHz: 1400, CodePhaseSamples: 0}, 0)

	obs, _ := drive(t, trk, capture, periods)
	// a clean signal with a half-bin Doppler offset must never drop lock
	require.NotEqual(t, StateLossOfLock, trk.State())
	require.True(t, obs.Valid)
	assert.InDelta(t, 1500.0, obs.CarrierDopplerHz, 10.0)
}

func TestSyncEngagesNarrowWithoutExtension(t *testing.T) {
	const periods = 150
	capture := stream(t, gnss.GPSL1CA(), 4, (periods+2)*4000, 0, 800, 0, 8, nil)
	// extension factor 1: sync must still narrow spacing and bandwidths
	trk, err := New(gnss.GPSL1CA(), 4, testCfg())
	require.NoError(t, err)
	trk.Start(acquisition.Result{DopplerHz: 800, CodePhaseSamples: 0}, 0)

	obs, _ := drive(t, trk, capture, periods)
	require.NotEqual(t, StateLossOfLock, trk.State())
	require.True(t, trk.synced)
	assert.Contains(t, []State{StateCoherentExtension, StateNarrowTracking}, trk.State())
	assert.Equal(t, 0.25, trk.spcChips)
	assert.InDelta(t, 1.0, obs.CorrelationLengthMs, 0.01)
}

func TestTracksBeiDouSecondaryCode(t *testing.T) {
	const periods = 300
	sig := gnss.BeiDouB1I()
	nh := func(period int) float64 {
		if gnss.NH20[period%20] == '1' {
			return -1
		}
		return 1
	}
	capture := stream(t, sig, 14, (periods+2)*4000, 200, 1000, 0, 7, nh)
	trk, err := New(sig, 14, testCfg())
	require.NoError(t, err)
	trk.Start(acquisition.Result{DopplerHz: 1000, CodePhaseSamples: 200}, 0)

	obs, valid := drive(t, trk, capture, periods)
	require.NotEqual(t, StateLossOfLock, trk.State())
	require.True(t, trk.synced, "secondary code sync must succeed")
	require.Greater(t, valid, periods/2)
	// with the overlay chips wiped the phase loop must hold through the
	// chip transitions
	assert.Contains(t, []State{StateCoherentExtension, StateNarrowTracking}, trk.State())
	assert.InDelta(t, 1000.0, obs.CarrierDopplerHz, 5.0)
	assert.Greater(t, obs.CN0DbHz, 30.0)
}

func TestLossOfLockOnNoise(t *testing.T) {
	const periods = 400
	rng := rand.New(rand.NewSource(4))
	capture := make([]complex128, (periods+2)*4000)
	for i := range capture {
		capture[i] = complex(rng.NormFloat64(), rng.NormFloat64())
	}
	trk, err := New(gnss.GPSL1CA(), 5, testCfg())
	require.NoError(t, err)
	trk.Start(acquisition.Result{DopplerHz: 0, CodePhaseSamples: 0}, 0)

	drive(t, trk, capture, periods)
	assert.Equal(t, StateLossOfLock, trk.State())

	_, _, err = trk.Process(make([]complex128, trk.NumSamplesNeeded()), trk.NextStamp())
	assert.Error(t, err)
}

func TestBitSyncWatchdog(t *testing.T) {
	const periods = 200
	// symbol sign alternates every code period, so the twenty-symbol
	// sync pattern can never match and the watchdog must fire
	alternating := func(period int) float64 {
		if period%2 == 0 {
			return 1
		}
		return -1
	}
	capture := stream(t, gnss.GPSL1CA(), 6, (periods+2)*4000, 0, 500, 0, 5, alternating)

	cfg := testCfg()
	cfg.PullInTimeS = 0.01
	cfg.BitSyncTimeLimitS = 0.05
	// keep the lock monitor out of the way: this test is about the
	// watchdog, not CN0
	cfg.Monitor.CarrierLockThreshold = -2
	cfg.Monitor.CN0MinDbHz = 0
	trk, err := New(gnss.GPSL1CA(), 6, cfg)
	require.NoError(t, err)
	trk.Start(acquisition.Result{DopplerHz: 500, CodePhaseSamples: 0}, 0)

	drive(t, trk, capture, periods)
	assert.Equal(t, StateLossOfLock, trk.State())
	assert.Less(t, trk.trackedTimeS, 0.1)
}

func TestRestartAfterLoss(t *testing.T) {
	const periods = 100
	capture := stream(t, gnss.GPSL1CA(), 13, (periods+2)*4000, 120, -2000, 0, 6, nil)
	trk, err := New(gnss.GPSL1CA(), 13, testCfg())
	require.NoError(t, err)

	trk.Start(acquisition.Result{DopplerHz: -2000, CodePhaseSamples: 120}, 0)
	obs, _ := drive(t, trk, capture, periods/2)
	require.True(t, obs.Valid)

	// a re-acquisition restart must clear all carried state
	trk.Start(acquisition.Result{DopplerHz: -2000, CodePhaseSamples: 120}, 0)
	assert.Equal(t, StatePullIn, trk.State())
	assert.Equal(t, uint64(120), trk.NextStamp())
	obs2, _ := drive(t, trk, capture, periods/2)
	assert.InDelta(t, -2000.0, obs2.CarrierDopplerHz, 10.0)
}
