// Package tracking implements the DLL/PLL channel state machine: pull-in
// from an acquisition fix, wide tracking with secondary-code or bit
// synchronization, coherent integration extension with narrowed loops,
// and loss-of-lock detection that hands the channel back to acquisition.
package tracking

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/wkazubski/gnss-sdr/pkg/acquisition"
	"github.com/wkazubski/gnss-sdr/pkg/dsp"
	"github.com/wkazubski/gnss-sdr/pkg/gnss"
	"github.com/wkazubski/gnss-sdr/pkg/loop"
)

// ErrStreamDiscontinuity reports a sample block whose stamp does not
// match the tracker's expected counter. The channel must fully reset:
// all phase bookkeeping after a gap is invalid.
var ErrStreamDiscontinuity = errors.New("tracking: sample stream discontinuity")

// State is the tracking lifecycle. Idle and Acquiring belong to the
// channel controller; the tracker itself moves through the rest.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StatePullIn
	StateWideTracking
	StateCoherentExtension
	StateNarrowTracking
	StateLossOfLock
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAcquiring:
		return "ACQUIRING"
	case StatePullIn:
		return "PULL_IN"
	case StateWideTracking:
		return "WIDE_TRACKING"
	case StateCoherentExtension:
		return "COHERENT_EXTENSION"
	case StateNarrowTracking:
		return "NARROW_TRACKING"
	case StateLossOfLock:
		return "LOSS_OF_LOCK"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Observable is the per-integration output delivered downstream.
type Observable struct {
	PromptI             float64
	PromptQ             float64
	CodePhaseSamples    float64
	CarrierPhaseRad     float64
	CarrierDopplerHz    float64
	CN0DbHz             float64
	CorrelationLengthMs float64
	SampleStamp         uint64
	Valid               bool
}

// Record is the per-integration internal snapshot offered to a Recorder.
type Record struct {
	SampleStamp      uint64
	Taps             []complex128
	CarrierDopplerHz float64
	CodeFreqChips    float64
	CarrErrorHz      float64
	CodeErrorChips   float64
	CN0DbHz          float64
	CarrierLockValue float64
	PRN              int
}

// Recorder receives one Record per integration period. Implemented by
// pkg/dump; nil disables recording.
type Recorder interface {
	Record(Record) error
}

// Config tunes one tracking channel.
type Config struct {
	FsHz float64
	IFHz float64

	// Correlator spacings in chips, half early-late. A zero very-early
	// spacing selects a three-tap E/P/L layout.
	EarlyLateSpcChips           float64
	VeryEarlyLateSpcChips       float64
	EarlyLateSpcNarrowChips     float64
	VeryEarlyLateSpcNarrowChips float64

	DLLBwHz       float64
	DLLBwNarrowHz float64
	PLLBwHz       float64
	PLLBwNarrowHz float64
	FLLBwHz       float64
	DLLOrder      int
	PLLOrder      int

	// EnableFLLPullIn keeps the FLL assist active during pull-in.
	EnableFLLPullIn bool
	// PullInTimeS is the transitory window during which the lock
	// monitor observes but never declares loss.
	PullInTimeS float64
	// BitSyncTimeLimitS forces loss of lock when synchronization has
	// not been reached in time. Zero disables the watchdog.
	BitSyncTimeLimitS float64
	// ExtendCorrelationSymbols > 1 enables coherent extension after
	// synchronization, integrating that many symbols per loop update.
	ExtendCorrelationSymbols int

	// CarrierAiding feeds the carrier Doppler into the code NCO.
	CarrierAiding bool
	// HighDyn adds a carrier phase-rate term estimated from a Doppler
	// history of 2*SmootherLength integrations.
	HighDyn        bool
	SmootherLength int
	// EnableDopplerCorrection re-seeds the carrier filter from the code
	// rate when the filtered DLL output stays biased.
	EnableDopplerCorrection bool

	// DLL discriminator shape for BOC codes; zero values select 1.
	DiscSlope      float64
	DiscYIntercept float64

	Monitor loop.MonitorConfig

	Recorder Recorder
	Logger   *log.Logger
}

// Tracker runs the DLL/PLL loops for a single PRN. Drive it with Start
// once per acquisition fix, then repeatedly with NumSamplesNeeded and
// Process. Not safe for concurrent use.
type Tracker struct {
	cfg  Config
	sig  gnss.Signal
	prn  int
	code []int8
	log  *log.Logger

	corr    *dsp.Multicorrelator
	codeF   *loop.CodeFilter
	carrF   *loop.CarrierFilter
	monitor *loop.Monitor

	state State

	expectedStamp uint64
	blkSamples    int     // current integration length in samples
	remCodeSmpl   float64 // fractional sample carry, |x| < 1
	remCarrRad    float64
	accCarrRad    float64
	dopplerHz     float64
	dopplerRateHz float64
	codeFreqChips float64
	prevPrompt    complex128

	symbolsPerUpdate int // 1 until extension engages
	trackedTimeS     float64

	// secondary-code / bit synchronization
	pattern     string
	signHistory []byte
	synced      bool
	flipped     bool
	patIdx      int

	// coherent extension accumulation
	extTaps  []complex128
	extCount int

	dopplerHist []float64
	dllAvg      float64

	spcChips  float64
	veSpc     float64
	lastCarrE float64
	lastCodeE float64
}

// New builds a tracker. Config errors fail here, before any sample is
// consumed.
func New(sig gnss.Signal, prn int, cfg Config) (*Tracker, error) {
	if cfg.FsHz <= 0 {
		return nil, fmt.Errorf("tracking: sample rate %.1f", cfg.FsHz)
	}
	if cfg.EarlyLateSpcChips <= 0 || cfg.EarlyLateSpcNarrowChips <= 0 {
		return nil, fmt.Errorf("tracking: early-late spacings must be positive")
	}
	if cfg.VeryEarlyLateSpcChips > 0 && cfg.VeryEarlyLateSpcNarrowChips <= 0 {
		return nil, fmt.Errorf("tracking: five-tap layout needs a narrow very-early spacing")
	}
	if cfg.ExtendCorrelationSymbols < 0 {
		return nil, fmt.Errorf("tracking: extension symbols %d", cfg.ExtendCorrelationSymbols)
	}
	if cfg.ExtendCorrelationSymbols == 0 {
		cfg.ExtendCorrelationSymbols = 1
	}
	if cfg.DiscSlope == 0 {
		cfg.DiscSlope = 1
	}
	if cfg.DiscYIntercept == 0 {
		cfg.DiscYIntercept = 1
	}
	if cfg.SmootherLength <= 0 {
		cfg.SmootherLength = 30
	}
	code, err := gnss.Code(sig, prn)
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		cfg:     cfg,
		sig:     sig,
		prn:     prn,
		code:    code,
		state:   StateIdle,
		pattern: sig.SyncPattern(),
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	t.log = cfg.Logger.With("signal", sig.Name, "prn", prn)
	t.corr, err = dsp.NewMulticorrelator(code, tapOffsets(cfg.EarlyLateSpcChips, cfg.VeryEarlyLateSpcChips))
	if err != nil {
		return nil, err
	}
	t.spcChips = cfg.EarlyLateSpcChips
	t.veSpc = cfg.VeryEarlyLateSpcChips
	period := sig.CodePeriodS()
	t.codeF, err = loop.NewCodeFilter(cfg.DLLOrder, cfg.DLLBwHz, period)
	if err != nil {
		return nil, err
	}
	t.carrF, err = loop.NewCarrierFilter(cfg.PLLOrder, cfg.FLLBwHz, cfg.PLLBwHz)
	if err != nil {
		return nil, err
	}
	t.monitor = loop.NewMonitor(cfg.Monitor)
	t.extTaps = make([]complex128, t.corr.NumTaps())
	return t, nil
}

func tapOffsets(spc, veSpc float64) []float64 {
	if veSpc > 0 {
		return []float64{-veSpc, -spc, 0, spc, veSpc}
	}
	return []float64{-spc, 0, spc}
}

// State returns the current lifecycle state.
func (t *Tracker) State() State { return t.state }

// CN0DbHz returns the smoothed carrier-to-noise density estimate.
func (t *Tracker) CN0DbHz() float64 { return t.monitor.CN0DbHz() }

// Start arms the tracker from an acquisition fix. counterNow is the
// first sample index the channel can still deliver; the tracker aligns
// its first integration with the nearest code start at or after it,
// projecting the acquisition code phase forward or back as needed.
func (t *Tracker) Start(res acquisition.Result, counterNow uint64) {
	t.dopplerHz = res.DopplerHz
	t.codeFreqChips = t.sig.CodeChipRateHz * (1 + t.dopplerHz/t.sig.CarrierFreqHz)

	codeStart := int64(res.SampleStamp) + int64(res.CodePhaseSamples)
	period := int64(math.Round(t.cfg.FsHz * t.sig.CodePeriodS()))
	if int64(counterNow) > codeStart {
		n := (int64(counterNow) - codeStart + period - 1) / period
		codeStart += n * period
	}
	t.expectedStamp = uint64(codeStart)

	t.remCodeSmpl = 0
	t.remCarrRad = 0
	t.accCarrRad = 0
	t.dopplerRateHz = 0
	t.prevPrompt = 0
	t.trackedTimeS = 0
	t.symbolsPerUpdate = 1
	t.synced = false
	t.flipped = false
	t.patIdx = 0
	t.extCount = 0
	t.signHistory = t.signHistory[:0]
	t.dopplerHist = t.dopplerHist[:0]
	t.dllAvg = 0
	for i := range t.extTaps {
		t.extTaps[i] = 0
	}

	t.spcChips = t.cfg.EarlyLateSpcChips
	t.veSpc = t.cfg.VeryEarlyLateSpcChips
	t.corr.SetOffsets(tapOffsets(t.spcChips, t.veSpc))
	t.codeF.SetNoiseBandwidth(t.cfg.DLLBwHz)
	t.codeF.SetUpdateInterval(t.sig.CodePeriodS())
	t.codeF.Init()
	t.carrF.SetParams(t.cfg.PLLOrder, t.cfg.FLLBwHz, t.cfg.PLLBwHz)
	t.carrF.Init(t.dopplerHz)
	t.monitor.Reset()

	t.updateBlockLength()
	t.state = StatePullIn
	t.log.Info("tracking armed",
		"doppler_hz", t.dopplerHz,
		"start_sample", t.expectedStamp)
}

// NumSamplesNeeded returns the length of the next block Process expects.
func (t *Tracker) NumSamplesNeeded() int { return t.blkSamples }

// NextStamp returns the absolute sample index Process expects next.
func (t *Tracker) NextStamp() uint64 { return t.expectedStamp }

func (t *Tracker) updateBlockLength() {
	chipsPerSample := t.codeFreqChips / t.cfg.FsHz
	nominal := float64(t.sig.CodeLengthChips) / chipsPerSample
	kBlk := nominal + t.remCodeSmpl
	t.blkSamples = int(math.Round(kBlk))
	t.remCodeSmpl = kBlk - float64(t.blkSamples)
}

// integration period of one code epoch at the current code rate.
func (t *Tracker) codePeriodS() float64 {
	return float64(t.sig.CodeLengthChips) / t.codeFreqChips
}

// Process consumes exactly NumSamplesNeeded samples starting at the
// absolute index stamp. The returned Observable is valid once per loop
// update; during coherent extension the intermediate epochs report
// ok=false. A stamp mismatch is fatal for the channel.
func (t *Tracker) Process(block []complex128, stamp uint64) (Observable, bool, error) {
	if t.state == StateIdle || t.state == StateLossOfLock {
		return Observable{}, false, fmt.Errorf("tracking: Process in state %s", t.state)
	}
	if stamp != t.expectedStamp {
		return Observable{}, false, fmt.Errorf("%w: got %d, want %d", ErrStreamDiscontinuity, stamp, t.expectedStamp)
	}
	if len(block) != t.blkSamples {
		return Observable{}, false, fmt.Errorf("tracking: block length %d, want %d", len(block), t.blkSamples)
	}

	n := t.blkSamples
	chipsPerSample := t.codeFreqChips / t.cfg.FsHz
	carrStep := 2 * math.Pi * (t.cfg.IFHz + t.dopplerHz) / t.cfg.FsHz
	carrRate := 2 * math.Pi * t.dopplerRateHz / (t.cfg.FsHz * t.cfg.FsHz)
	codePhase := -t.remCodeSmpl * chipsPerSample

	taps := t.corr.Correlate(block, t.remCarrRad, carrStep, carrRate, codePhase, chipsPerSample, 0)

	// phase bookkeeping before the loops touch the rates
	fn := float64(n)
	t.remCarrRad = dsp.WrapPhase(t.remCarrRad + fn*carrStep + 0.5*fn*fn*carrRate)
	t.accCarrRad += fn*carrStep + 0.5*fn*fn*carrRate
	t.expectedStamp += uint64(n)
	epochS := t.codePeriodS()
	t.trackedTimeS += epochS

	obs := Observable{SampleStamp: stamp}
	var ok bool
	switch t.state {
	case StatePullIn, StateWideTracking:
		ok = t.updateLoops(taps, epochS, &obs)
		if ok && t.state == StatePullIn && t.trackedTimeS >= t.cfg.PullInTimeS {
			t.state = StateWideTracking
		}
		if ok && t.state == StateWideTracking {
			t.trySync()
		}
	case StateCoherentExtension, StateNarrowTracking:
		ok = t.extendStep(taps, &obs)
	}
	if !ok && t.state == StateLossOfLock {
		return obs, false, nil
	}

	t.updateBlockLength()
	return obs, obs.Valid, nil
}

// updateLoops closes DLL and PLL over one update interval dt and fills
// the observable. Returns false on loss of lock.
func (t *Tracker) updateLoops(taps []complex128, dt float64, obs *Observable) bool {
	prompt := taps[len(taps)/2]

	// frequency pull-in runs with the phase loop open: a Costas error
	// taken on a still-rotating prompt is sawtooth noise that fights
	// the FLL and keeps it from converging
	var fllErrHz, pllErrHz float64
	useFLL := t.state == StatePullIn && t.cfg.EnableFLLPullIn
	if useFLL {
		if t.prevPrompt != 0 {
			fllErrHz = loop.FLLDiffAtan(t.prevPrompt, prompt, dt) / (2 * math.Pi)
		}
	} else {
		pllErrHz = loop.PLLCostas(prompt) / (2 * math.Pi)
	}
	t.prevPrompt = prompt
	t.dopplerHz = t.carrF.Apply(fllErrHz, pllErrHz, dt)
	t.lastCarrE = pllErrHz

	var codeErr float64
	if len(taps) == 5 {
		codeErr = loop.DLLVEML(taps[0], taps[1], taps[3], taps[4])
	} else {
		codeErr = loop.DLLNormalized(taps[0], taps[2], t.spcChips, t.cfg.DiscSlope, t.cfg.DiscYIntercept)
	}
	codeErrFilt := t.codeF.Apply(codeErr)
	t.lastCodeE = codeErr

	t.codeFreqChips = t.sig.CodeChipRateHz - codeErrFilt
	if t.cfg.CarrierAiding {
		t.codeFreqChips += t.dopplerHz * t.sig.CodeChipRateHz / t.sig.CarrierFreqHz
	}

	t.smoothDynamics(dt)
	t.correctDoppler(codeErrFilt)

	transitory := t.trackedTimeS < t.cfg.PullInTimeS
	if !t.monitor.Update(prompt, dt, transitory) {
		t.declareLoss()
		return false
	}
	if t.cfg.BitSyncTimeLimitS > 0 && !t.synced && t.trackedTimeS > t.cfg.BitSyncTimeLimitS {
		t.log.Warn("bit sync deadline exceeded", "limit_s", t.cfg.BitSyncTimeLimitS)
		t.declareLoss()
		return false
	}

	t.fillObservable(prompt, obs)
	t.record(taps)
	return true
}

// extendStep wipes the known overlay chip off one code epoch,
// accumulates the sign-corrected taps, and every symbolsPerUpdate
// epochs closes the loops on the coherent sum.
func (t *Tracker) extendStep(taps []complex128, obs *Observable) bool {
	wipe := complex(t.overlaySign(), 0)
	sign := complex(1, 0)
	if real(taps[len(taps)/2]*wipe) < 0 {
		sign = -1
	}
	for i, v := range taps {
		t.extTaps[i] += v * wipe * sign
	}
	t.extCount++
	if t.extCount < t.symbolsPerUpdate {
		t.state = StateCoherentExtension
		return true
	}
	t.state = StateNarrowTracking
	dt := t.codePeriodS() * float64(t.symbolsPerUpdate)
	sum := make([]complex128, len(t.extTaps))
	copy(sum, t.extTaps)
	for i := range t.extTaps {
		t.extTaps[i] = 0
	}
	t.extCount = 0

	prompt := sum[len(sum)/2]
	pllErrHz := loop.PLLAtan2(prompt) / (2 * math.Pi)
	t.dopplerHz = t.carrF.Apply(0, pllErrHz, dt)
	t.lastCarrE = pllErrHz

	var codeErr float64
	if len(sum) == 5 {
		codeErr = loop.DLLVEML(sum[0], sum[1], sum[3], sum[4])
	} else {
		codeErr = loop.DLLNormalized(sum[0], sum[2], t.spcChips, t.cfg.DiscSlope, t.cfg.DiscYIntercept)
	}
	codeErrFilt := t.codeF.Apply(codeErr)
	t.lastCodeE = codeErr
	t.codeFreqChips = t.sig.CodeChipRateHz - codeErrFilt
	if t.cfg.CarrierAiding {
		t.codeFreqChips += t.dopplerHz * t.sig.CodeChipRateHz / t.sig.CarrierFreqHz
	}
	t.smoothDynamics(dt)
	t.correctDoppler(codeErrFilt)

	if !t.monitor.Update(prompt, dt, false) {
		t.declareLoss()
		return false
	}
	t.fillObservable(prompt, obs)
	t.record(sum)
	return true
}

// trySync matches the prompt sign history against the overlay pattern
// in both polarities. A perfect match marks the symbol boundary and
// pins the overlay phase, so subsequent epochs can wipe the chip sign;
// the polarity is recorded and folded into the wipe-off.
func (t *Tracker) trySync() {
	if t.synced || len(t.pattern) == 0 {
		return
	}
	b := byte('0')
	if real(t.corr.Prompt()) < 0 {
		b = '1'
	}
	t.signHistory = append(t.signHistory, b)
	if len(t.signHistory) > len(t.pattern) {
		t.signHistory = t.signHistory[1:]
	}
	if len(t.signHistory) < len(t.pattern) {
		return
	}
	got := string(t.signHistory)
	switch {
	case got == t.pattern:
		t.flipped = false
	case got == invert(t.pattern):
		t.flipped = true
	default:
		return
	}
	t.synced = true
	t.patIdx = 0
	t.log.Info("symbol sync", "flipped", t.flipped, "cn0_dbhz", t.monitor.CN0DbHz())
	t.engageNarrow()
}

// overlaySign returns the expected secondary-code chip sign for the
// next epoch, polarity included, and advances the pattern index.
func (t *Tracker) overlaySign() float64 {
	if len(t.pattern) == 0 {
		return 1
	}
	s := 1.0
	if t.pattern[t.patIdx] == '1' {
		s = -1
	}
	if t.flipped {
		s = -s
	}
	t.patIdx++
	if t.patIdx == len(t.pattern) {
		t.patIdx = 0
	}
	return s
}

// engageNarrow narrows the correlator spacing and loop bandwidths and
// switches to the synchronized integration path; with an extension
// factor of one it degenerates to plain narrow tracking.
func (t *Tracker) engageNarrow() {
	t.symbolsPerUpdate = t.cfg.ExtendCorrelationSymbols
	t.spcChips = t.cfg.EarlyLateSpcNarrowChips
	if t.veSpc > 0 {
		t.veSpc = t.cfg.VeryEarlyLateSpcNarrowChips
	}
	t.corr.SetOffsets(tapOffsets(t.spcChips, t.veSpc))
	dt := t.codePeriodS() * float64(t.symbolsPerUpdate)
	t.codeF.SetNoiseBandwidth(t.cfg.DLLBwNarrowHz)
	t.codeF.SetUpdateInterval(dt)
	t.carrF.SetParams(t.cfg.PLLOrder, 0, t.cfg.PLLBwNarrowHz)
	t.extCount = 0
	t.extTaps = make([]complex128, t.corr.NumTaps())
	t.state = StateCoherentExtension
	t.log.Info("narrow tracking engaged",
		"symbols", t.symbolsPerUpdate,
		"el_spc_chips", t.spcChips)
}

// smoothDynamics estimates the carrier Doppler rate from a two-half
// history average.
func (t *Tracker) smoothDynamics(dt float64) {
	if !t.cfg.HighDyn {
		return
	}
	t.dopplerHist = append(t.dopplerHist, t.dopplerHz)
	full := 2 * t.cfg.SmootherLength
	if len(t.dopplerHist) > full {
		t.dopplerHist = t.dopplerHist[len(t.dopplerHist)-full:]
	}
	if len(t.dopplerHist) < full {
		return
	}
	half := t.cfg.SmootherLength
	var a, b float64
	for i := 0; i < half; i++ {
		a += t.dopplerHist[i]
		b += t.dopplerHist[half+i]
	}
	a /= float64(half)
	b /= float64(half)
	t.dopplerRateHz = (b - a) / (float64(half) * dt)
}

// correctDoppler re-seeds the carrier filter when the filtered DLL
// output stays biased, which indicates the carrier and code rate
// estimates have drifted apart.
func (t *Tracker) correctDoppler(codeErrFilt float64) {
	if !t.cfg.EnableDopplerCorrection {
		return
	}
	const alpha = 0.01
	t.dllAvg = (1-alpha)*t.dllAvg + alpha*codeErrFilt
	if math.Abs(t.dllAvg) > 1 {
		fromCode := (t.codeFreqChips/t.sig.CodeChipRateHz - 1) * t.sig.CarrierFreqHz
		t.log.Warn("doppler correction", "dll_avg_chips_s", t.dllAvg, "reseed_hz", fromCode)
		t.carrF.Init(fromCode)
		t.dopplerHz = fromCode
		t.dllAvg = 0
	}
}

func (t *Tracker) declareLoss() {
	t.log.Warn("loss of lock", "cn0_dbhz", t.monitor.CN0DbHz(), "tracked_s", t.trackedTimeS)
	t.monitor.ZeroFailCounters()
	t.state = StateLossOfLock
}

func (t *Tracker) fillObservable(prompt complex128, obs *Observable) {
	obs.PromptI = real(prompt)
	obs.PromptQ = imag(prompt)
	obs.CodePhaseSamples = t.remCodeSmpl
	obs.CarrierPhaseRad = t.accCarrRad
	obs.CarrierDopplerHz = t.dopplerHz
	obs.CN0DbHz = t.monitor.CN0DbHz()
	obs.CorrelationLengthMs = t.codePeriodS() * float64(t.symbolsPerUpdate) * 1e3
	obs.Valid = true
}

func (t *Tracker) record(taps []complex128) {
	if t.cfg.Recorder == nil {
		return
	}
	rec := Record{
		SampleStamp:      t.expectedStamp - uint64(t.blkSamples),
		Taps:             taps,
		CarrierDopplerHz: t.dopplerHz,
		CodeFreqChips:    t.codeFreqChips,
		CarrErrorHz:      t.lastCarrE,
		CodeErrorChips:   t.lastCodeE,
		CN0DbHz:          t.monitor.CN0DbHz(),
		CarrierLockValue: t.monitor.CarrierLock(),
		PRN:              t.prn,
	}
	if err := t.cfg.Recorder.Record(rec); err != nil {
		t.log.Error("dump write failed", "err", err)
	}
}

func invert(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	for _, c := range pattern {
		if c == '0' {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
