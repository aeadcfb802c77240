// Package acquisition implements parallel code phase search: one FFT
// correlation per Doppler bin per code period, non-coherently accumulated
// over a configurable number of dwells, with an optional fine Doppler
// refinement on a zero-padded FFT of the code-wiped block.
package acquisition

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/wkazubski/gnss-sdr/pkg/dsp"
	"github.com/wkazubski/gnss-sdr/pkg/gnss"
)

// ErrBadConfig reports an unusable acquisition setup.
var ErrBadConfig = errors.New("acquisition: bad config")

// Status is the outcome of feeding one code period to the engine.
type Status int

const (
	// StatusBusy means more dwells are needed before a verdict.
	StatusBusy Status = iota
	// StatusPositive means the test statistic cleared the threshold.
	StatusPositive
	// StatusNegative means the search exhausted its dwells below threshold.
	StatusNegative
)

func (s Status) String() string {
	switch s {
	case StatusBusy:
		return "BUSY"
	case StatusPositive:
		return "POSITIVE"
	case StatusNegative:
		return "NEGATIVE"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result carries the synchronization estimate handed to tracking.
type Result struct {
	// DopplerHz is the carrier Doppler estimate, IF removed.
	DopplerHz float64
	// CodePhaseSamples is the code start offset within the decision block.
	CodePhaseSamples int
	// SampleStamp is the absolute sample index of the decision block start.
	SampleStamp uint64
	// TestStatistic is peak / (inputPower * sqrt(dwells)).
	TestStatistic float64
}

// Config sets the search extent and decision rule.
type Config struct {
	DopplerMinHz  float64
	DopplerMaxHz  float64
	DopplerStepHz float64
	// MaxDwells is how many code periods are accumulated before deciding.
	MaxDwells int
	// Threshold is compared against the test statistic.
	Threshold float64
	// FineFreq enables the zero-padded FFT Doppler refinement.
	FineFreq bool
	// FinePaddingFactor multiplies the block length for the fine FFT.
	// Zero selects 16.
	FinePaddingFactor int
	// FineSanityHz rejects fine estimates further than this from the
	// coarse bin. Zero selects 1000.
	FineSanityHz float64
}

func (c *Config) normalize() error {
	if c.DopplerStepHz <= 0 {
		return fmt.Errorf("%w: doppler step %.1f Hz", ErrBadConfig, c.DopplerStepHz)
	}
	if c.DopplerMaxHz < c.DopplerMinHz {
		return fmt.Errorf("%w: doppler span [%.0f,%.0f]", ErrBadConfig, c.DopplerMinHz, c.DopplerMaxHz)
	}
	if c.MaxDwells <= 0 {
		c.MaxDwells = 1
	}
	if c.FinePaddingFactor <= 0 {
		c.FinePaddingFactor = 16
	}
	if c.FineSanityHz <= 0 {
		c.FineSanityHz = 1000
	}
	return nil
}

// Acquirer searches one PRN of one signal. Feed it code-period blocks
// with Process; it accumulates the Doppler/code-phase grid and decides
// after MaxDwells. Not safe for concurrent use.
type Acquirer struct {
	cfg     Config
	sig     gnss.Signal
	prn     int
	fsHz    float64
	ifHz    float64
	replica []complex128
	corr    *dsp.FFTCorrelator
	log     *log.Logger

	binHz []float64   // doppler per grid row
	grid  [][]float64 // [bin][lag] accumulated magnitude squared

	dwells     int
	powerAccum float64
	lastStamp  uint64
}

// New builds an acquirer for the given PRN, generating and resampling
// the code replica itself. sampleRateHz spans exactly one code period per
// block; the block length is round(sampleRate * codePeriod).
func New(sig gnss.Signal, prn int, sampleRateHz, ifHz float64, cfg Config, logger *log.Logger) (*Acquirer, error) {
	replica, err := SampledReplica(sig, prn, sampleRateHz)
	if err != nil {
		return nil, err
	}
	return NewWithReplica(sig, prn, sampleRateHz, ifHz, cfg, replica, logger)
}

// NewWithReplica builds an acquirer around an already-resampled code
// replica, letting callers share replicas across restarts.
func NewWithReplica(sig gnss.Signal, prn int, sampleRateHz, ifHz float64, cfg Config,
	replica []complex128, logger *log.Logger) (*Acquirer, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if sampleRateHz <= 0 {
		return nil, fmt.Errorf("%w: sample rate %.1f", ErrBadConfig, sampleRateHz)
	}
	corr, err := dsp.NewFFTCorrelator(replica)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	a := &Acquirer{
		cfg:     cfg,
		sig:     sig,
		prn:     prn,
		fsHz:    sampleRateHz,
		ifHz:    ifHz,
		replica: replica,
		corr:    corr,
		log:     logger.With("signal", sig.Name, "prn", prn),
	}
	nBins := int(math.Floor((cfg.DopplerMaxHz - cfg.DopplerMinHz) / cfg.DopplerStepHz))
	if nBins < 1 {
		nBins = 1
	}
	a.binHz = make([]float64, nBins)
	a.grid = make([][]float64, nBins)
	for i := range a.grid {
		a.binHz[i] = cfg.DopplerMinHz + float64(i)*cfg.DopplerStepHz
		a.grid[i] = make([]float64, corr.Size())
	}
	return a, nil
}

// SampledReplica generates the PRN code and resamples it to one code
// period at the given rate, as a complex ±1 sequence.
func SampledReplica(sig gnss.Signal, prn int, sampleRateHz float64) ([]complex128, error) {
	chips, err := gnss.Code(sig, prn)
	if err != nil {
		return nil, err
	}
	n := int(math.Round(sampleRateHz * sig.CodePeriodS()))
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d samples per code period", ErrBadConfig, n)
	}
	sampled := make([]int8, n)
	gnss.ResampleCode(chips, 0, 0, sig.CodeChipRateHz/sampleRateHz, n, sampled)
	out := make([]complex128, n)
	for i, v := range sampled {
		out[i] = complex(float64(v), 0)
	}
	return out, nil
}

// BlockSize returns the number of samples Process expects per call.
func (a *Acquirer) BlockSize() int { return a.corr.Size() }

// Replica exposes the resampled code for reuse by tracking setup.
func (a *Acquirer) Replica() []complex128 { return a.replica }

// Reset clears the accumulation grid and dwell count so the next Process
// call starts a fresh attempt.
func (a *Acquirer) Reset() {
	a.dwells = 0
	a.powerAccum = 0
	for _, row := range a.grid {
		for i := range row {
			row[i] = 0
		}
	}
}

// Process accumulates one code period into the search grid. stamp is the
// absolute sample index of block[0]. It returns StatusBusy until
// MaxDwells blocks have been folded in, then decides and resets itself.
func (a *Acquirer) Process(block []complex128, stamp uint64) (Result, Status, error) {
	if len(block) != a.corr.Size() {
		return Result{}, StatusBusy, fmt.Errorf("%w: block length %d, want %d", ErrBadConfig, len(block), a.corr.Size())
	}
	a.powerAccum += dsp.Power(block)
	a.lastStamp = stamp
	for b, doppler := range a.binHz {
		step := 2 * math.Pi * (a.ifHz + doppler) / a.fsHz
		if err := a.corr.Accumulate(a.grid[b], block, step); err != nil {
			return Result{}, StatusBusy, err
		}
	}
	a.dwells++
	if a.dwells < a.cfg.MaxDwells {
		return Result{}, StatusBusy, nil
	}
	res, st := a.decide(block)
	a.Reset()
	return res, st, nil
}

func (a *Acquirer) decide(block []complex128) (Result, Status) {
	peak := 0.0
	peakBin, peakLag := 0, 0
	for b, row := range a.grid {
		v, i := dsp.Max(row)
		if v > peak {
			peak, peakBin, peakLag = v, b, i
		}
	}
	inputPower := a.powerAccum / float64(a.dwells)
	stat := 0.0
	if inputPower > 0 {
		stat = peak / (inputPower * math.Sqrt(float64(a.dwells)))
	}
	res := Result{
		DopplerHz:        a.binHz[peakBin],
		CodePhaseSamples: peakLag,
		SampleStamp:      a.lastStamp,
		TestStatistic:    stat,
	}
	// grid noise floor and runner-up outside the main lobe, for
	// diagnostics
	lobe := int(a.fsHz/a.sig.CodeChipRateHz) + 1
	n := a.corr.Size()
	from, to := ((peakLag-lobe)%n+n)%n, (peakLag+lobe)%n
	floor := dsp.MeanExcluding(a.grid[peakBin], from, to)
	second, _ := dsp.MaxExcluding(a.grid[peakBin], from, to)
	if stat <= a.cfg.Threshold {
		a.log.Debug("acquisition negative",
			"statistic", stat,
			"threshold", a.cfg.Threshold,
			"peak_to_floor", peak/math.Max(floor, 1e-30))
		return res, StatusNegative
	}
	if a.cfg.FineFreq {
		if fine, ok := a.fineDoppler(block, res.DopplerHz, res.CodePhaseSamples); ok {
			res.DopplerHz = fine
		}
	}
	a.log.Info("acquisition positive",
		"doppler_hz", res.DopplerHz,
		"code_phase", res.CodePhaseSamples,
		"statistic", stat,
		"peak_to_floor", peak/math.Max(floor, 1e-30),
		"peak_to_second", peak/math.Max(second, 1e-30))
	return res, StatusPositive
}

// fineDoppler strips the code from the last block using the coarse code
// phase, zero-pads, and reads the carrier frequency off a long FFT. The
// estimate is kept only when it lands within FineSanityHz of the coarse
// bin; a wild value means the code wipe-off failed and the coarse bin is
// the better answer.
func (a *Acquirer) fineDoppler(block []complex128, coarseHz float64, codePhase int) (float64, bool) {
	n := len(block)
	fftLen := n * a.cfg.FinePaddingFactor
	buf := make([]complex128, fftLen)
	for i := 0; i < n; i++ {
		buf[i] = block[i] * a.replica[((i-codePhase)%n+n)%n]
	}
	fft := fourier.NewCmplxFFT(fftLen)
	spec := fft.Coefficients(nil, buf)
	best, bestIdx := 0.0, 0
	for i, v := range spec {
		if m := cmplx.Abs(v); m > best {
			best, bestIdx = m, i
		}
	}
	binHz := a.fsHz / float64(fftLen)
	freq := float64(bestIdx) * binHz
	if bestIdx > fftLen/2 {
		freq -= a.fsHz
	}
	fine := freq - a.ifHz
	if math.Abs(fine-coarseHz) > a.cfg.FineSanityHz {
		a.log.Debug("fine doppler rejected", "fine_hz", fine, "coarse_hz", coarseHz)
		return 0, false
	}
	return fine, true
}
