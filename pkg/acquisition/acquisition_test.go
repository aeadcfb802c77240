package acquisition

import (
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wkazubski/gnss-sdr/pkg/gnss"
)

const (
	testFs    = 4.0e6
	testBlock = 4000
)

func testSig() gnss.Signal { return gnss.GPSL1CA() }

// synth generates n samples of the PRN's code delayed by delay samples
// under a carrier at freqHz, plus white noise of the given sigma per
// component.
func synth(t *testing.T, prn, n, delay int, freqHz, sigma float64, seed int64) []complex128 {
	t.Helper()
	code, err := gnss.CACode(prn)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(seed))
	chipsPerSample := testSig().CodeChipRateHz / testFs
	clen := float64(len(code))
	out := make([]complex128, n)
	for i := 0; i < n; i++ {
		chip := math.Mod(float64(i-delay)*chipsPerSample, clen)
		if chip < 0 {
			chip += clen
		}
		phase := 2 * math.Pi * freqHz * float64(i) / testFs
		s := complex(float64(code[int(chip)]), 0) * cmplx.Exp(complex(0, phase))
		if sigma > 0 {
			s += complex(rng.NormFloat64()*sigma, rng.NormFloat64()*sigma)
		}
		out[i] = s
	}
	return out
}

func defaultCfg() Config {
	return Config{
		DopplerMinHz:  -5000,
		DopplerMaxHz:  5000,
		DopplerStepHz: 250,
		MaxDwells:     1,
		Threshold:     0.05,
	}
}

func TestAcquirePositiveNoiseless(t *testing.T) {
	a, err := New(testSig(), 5, testFs, 0, defaultCfg(), nil)
	require.NoError(t, err)
	require.Equal(t, testBlock, a.BlockSize())

	in := synth(t, 5, testBlock, 300, 1500, 0, 1)
	res, st, err := a.Process(in, 12345)
	require.NoError(t, err)
	assert.Equal(t, StatusPositive, st)
	assert.InDelta(t, 1500.0, res.DopplerHz, 125.0)
	assert.InDelta(t, 300.0, float64(res.CodePhaseSamples), 1.0)
	assert.Equal(t, uint64(12345), res.SampleStamp)
	assert.Greater(t, res.TestStatistic, 0.5)
}

func TestFineDopplerRefinement(t *testing.T) {
	cfg := defaultCfg()
	cfg.FineFreq = true
	a, err := New(testSig(), 8, testFs, 0, cfg, nil)
	require.NoError(t, err)

	// true Doppler off the coarse grid
	in := synth(t, 8, testBlock, 100, 1375, 0, 2)
	res, st, err := a.Process(in, 0)
	require.NoError(t, err)
	require.Equal(t, StatusPositive, st)
	// fine FFT bin width is fs/(16*n) = 62.5 Hz here
	assert.InDelta(t, 1375.0, res.DopplerHz, 63.0)
}

func TestStatisticDecreasesWithInputPower(t *testing.T) {
	prev := math.Inf(1)
	for i, sigma := range []float64{0, 1, 2, 4} {
		a, err := New(testSig(), 5, testFs, 0, defaultCfg(), nil)
		require.NoError(t, err)
		in := synth(t, 5, testBlock, 300, 1500, sigma, 3)
		res, _, err := a.Process(in, 0)
		require.NoError(t, err)
		assert.Less(t, res.TestStatistic, prev, "sigma step %d", i)
		prev = res.TestStatistic
	}
}

func TestNegativeOnNoise(t *testing.T) {
	a, err := New(testSig(), 5, testFs, 0, defaultCfg(), nil)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(4))
	in := make([]complex128, testBlock)
	for i := range in {
		in[i] = complex(rng.NormFloat64(), rng.NormFloat64())
	}
	res, st, err := a.Process(in, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusNegative, st)
	assert.Less(t, res.TestStatistic, 0.05)
}

func TestMultiDwellGain(t *testing.T) {
	one, err := New(testSig(), 5, testFs, 0, defaultCfg(), nil)
	require.NoError(t, err)

	cfg := defaultCfg()
	cfg.MaxDwells = 3
	three, err := New(testSig(), 5, testFs, 0, cfg, nil)
	require.NoError(t, err)

	in := synth(t, 5, 3*testBlock, 300, 1500, 0, 5)
	resOne, st, err := one.Process(in[:testBlock], 0)
	require.NoError(t, err)
	require.Equal(t, StatusPositive, st)

	var resThree Result
	for d := 0; d < 3; d++ {
		blk := in[d*testBlock : (d+1)*testBlock]
		res, st, err := three.Process(blk, uint64(d*testBlock))
		require.NoError(t, err)
		if d < 2 {
			assert.Equal(t, StatusBusy, st)
		} else {
			require.Equal(t, StatusPositive, st)
			resThree = res
		}
	}
	// non-coherent accumulation over D dwells scales the statistic by
	// sqrt(D) for a steady signal
	assert.InDelta(t, math.Sqrt(3), resThree.TestStatistic/resOne.TestStatistic, 0.05)
	assert.Equal(t, uint64(2*testBlock), resThree.SampleStamp)
}

func TestResetClearsAccumulation(t *testing.T) {
	a, err := New(testSig(), 5, testFs, 0, defaultCfg(), nil)
	require.NoError(t, err)
	in := synth(t, 5, testBlock, 300, 1500, 0, 6)

	first, _, err := a.Process(in, 0)
	require.NoError(t, err)
	// Process self-resets after a decision; a second pass must not be
	// inflated by the first
	second, _, err := a.Process(in, 0)
	require.NoError(t, err)
	assert.InDelta(t, first.TestStatistic, second.TestStatistic, 1e-9)
}

func TestProcessRejectsBadBlock(t *testing.T) {
	a, err := New(testSig(), 5, testFs, 0, defaultCfg(), nil)
	require.NoError(t, err)
	_, _, err = a.Process(make([]complex128, 100), 0)
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestDopplerGridBinCount(t *testing.T) {
	a, err := New(testSig(), 5, testFs, 0, defaultCfg(), nil)
	require.NoError(t, err)
	// floor(span/step) bins: the max endpoint is exclusive
	require.Len(t, a.binHz, 40)
	assert.Equal(t, -5000.0, a.binHz[0])
	assert.Equal(t, 4750.0, a.binHz[len(a.binHz)-1])

	cfg := defaultCfg()
	cfg.DopplerMinHz, cfg.DopplerMaxHz = 0, 100
	narrow, err := New(testSig(), 5, testFs, 0, cfg, nil)
	require.NoError(t, err)
	assert.Len(t, narrow.binHz, 1)
}

func TestConfigValidation(t *testing.T) {
	cfg := defaultCfg()
	cfg.DopplerStepHz = 0
	_, err := New(testSig(), 5, testFs, 0, cfg, nil)
	assert.ErrorIs(t, err, ErrBadConfig)

	cfg = defaultCfg()
	cfg.DopplerMaxHz = -6000
	_, err = New(testSig(), 5, testFs, 0, cfg, nil)
	assert.ErrorIs(t, err, ErrBadConfig)

	_, err = New(testSig(), 0, testFs, 0, defaultCfg(), nil)
	assert.Error(t, err)
}
