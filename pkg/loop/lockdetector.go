package loop

import "math"

// CN0M2M4 is the second/fourth-moment carrier-to-noise-density
// estimator over a window of prompt accumulations, in dB-Hz.
// coherentTimeS is the coherent integration time of each accumulation.
func CN0M2M4(prompt []complex128, coherentTimeS float64) float64 {
	n := float64(len(prompt))
	if n == 0 || coherentTimeS <= 0 {
		return 0
	}
	var m2, m4 float64
	for _, p := range prompt {
		sq := magSq(p)
		m2 += sq
		m4 += sq * sq
	}
	m2 /= n
	m4 /= n
	sig := 2*m2*m2 - m4
	if sig < 0 {
		sig = 0
	}
	pd := math.Sqrt(sig)
	pn := m2 - pd
	if pn <= 0 || pd <= 0 {
		// noise power indistinguishable from zero; clamp rather than
		// report +Inf
		return 100
	}
	return 10 * math.Log10(pd/pn/coherentTimeS)
}

// CarrierLockTest is the normalized narrowband difference/power carrier
// lock metric cos(2*phi) in [-1, 1] over a window of prompt
// accumulations. Values near 1 indicate phase lock.
func CarrierLockTest(prompt []complex128) float64 {
	var sumI, sumQ float64
	for _, p := range prompt {
		sumI += real(p)
		sumQ += imag(p)
	}
	nbd := sumI*sumI - sumQ*sumQ
	nbp := sumI*sumI + sumQ*sumQ
	if nbp == 0 {
		return 0
	}
	return nbd / nbp
}

// Smoother is an exponential smoother that averages its first
// samplesForInit inputs before switching to the alpha-blended recursion,
// so the estimate is not trusted until the window has filled once.
type Smoother struct {
	alpha          float64
	samplesForInit int
	min            float64
	offset         float64

	initCount int
	initSum   float64
	old       float64
}

// NewSmoother returns a smoother with the given blend factor and
// initialization sample count.
func NewSmoother(alpha float64, samplesForInit int) *Smoother {
	s := &Smoother{alpha: alpha, samplesForInit: samplesForInit, min: 0, offset: 0}
	s.Reset()
	return s
}

// SetMinValue sets the lowest value Smooth may return. The carrier lock
// smoother uses -1.
func (s *Smoother) SetMinValue(v float64) { s.min = v }

// SetOffset sets a constant added to each smoothed output.
func (s *Smoother) SetOffset(v float64) { s.offset = v }

// Reset clears the smoother memory.
func (s *Smoother) Reset() {
	s.initCount = 0
	s.initSum = 0
	s.old = s.min
}

// Smooth consumes one raw estimate and returns the smoothed value.
func (s *Smoother) Smooth(raw float64) float64 {
	if s.initCount < s.samplesForInit {
		s.initCount++
		s.initSum += raw
		s.old = s.initSum/float64(s.initCount) + s.offset
		if s.old < s.min {
			s.old = s.min
		}
		return s.old
	}
	out := s.alpha*raw + (1-s.alpha)*s.old + s.offset
	if out < s.min {
		out = s.min
	}
	s.old = out
	return out
}

// MonitorConfig tunes a lock Monitor.
type MonitorConfig struct {
	// WindowSize is the number of prompt accumulations the CN0 and
	// carrier lock estimators see.
	WindowSize int
	// CN0MinDbHz is the code-lock floor; CarrierLockThreshold the
	// carrier-lock floor in [-1,1].
	CN0MinDbHz           float64
	CarrierLockThreshold float64
	// MaxCodeFails / MaxCarrierFails are the hysteresis counter maxima.
	MaxCodeFails    int
	MaxCarrierFails int

	CN0SmootherAlpha       float64
	CN0SmootherSamples     int
	CarrierSmootherAlpha   float64
	CarrierSmootherSamples int
}

// Monitor combines the CN0 estimator and carrier lock test with the two
// hysteresis fail counters. A counter increments on each integration
// period its metric is below threshold and decrements (never resets)
// when healthy, so a single glitch cannot drop lock.
type Monitor struct {
	cfg    MonitorConfig
	window []complex128
	count  int

	cn0Smoother  *Smoother
	lockSmoother *Smoother

	cn0DbHz     float64
	carrierLock float64

	carrierFails int
	codeFails    int
}

// NewMonitor builds a lock monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	m := &Monitor{
		cfg:          cfg,
		window:       make([]complex128, cfg.WindowSize),
		cn0Smoother:  NewSmoother(cfg.CN0SmootherAlpha, cfg.CN0SmootherSamples),
		lockSmoother: NewSmoother(cfg.CarrierSmootherAlpha, cfg.CarrierSmootherSamples),
	}
	m.lockSmoother.SetMinValue(-1)
	m.Reset()
	return m
}

// Reset clears window, smoothers and fail counters. Called whenever a
// channel leaves loss-of-lock or is retasked.
func (m *Monitor) Reset() {
	m.count = 0
	m.carrierFails = 0
	m.codeFails = 0
	m.cn0DbHz = 0
	m.carrierLock = 1
	m.cn0Smoother.Reset()
	m.lockSmoother.Reset()
}

// CN0DbHz returns the latest smoothed CN0 estimate.
func (m *Monitor) CN0DbHz() float64 { return m.cn0DbHz }

// CarrierLock returns the latest smoothed carrier lock metric.
func (m *Monitor) CarrierLock() float64 { return m.carrierLock }

// FailCounts returns the current carrier and code fail counters.
func (m *Monitor) FailCounts() (carrier, code int) { return m.carrierFails, m.codeFails }

// ForceLoss drives the carrier fail counter far enough past its maximum
// that the next Update declares loss of lock even after one healthy
// decrement (telemetry fault, sync watchdog).
func (m *Monitor) ForceLoss() { m.carrierFails = m.cfg.MaxCarrierFails + 2 }

// Update consumes one prompt accumulation with its coherent integration
// time. transitory disables the fail counters during the pull-in window.
// It reports false on loss of lock, after which both counters are zeroed
// and the caller must transition the channel back to pull-in.
func (m *Monitor) Update(prompt complex128, coherentTimeS float64, transitory bool) bool {
	if m.count < len(m.window) {
		m.window[m.count] = prompt
		m.count++
		if m.count < len(m.window) {
			// window not full yet; nothing to judge
			return m.carrierFails <= m.cfg.MaxCarrierFails && m.codeFails <= m.cfg.MaxCodeFails
		}
	} else {
		copy(m.window, m.window[1:])
		m.window[len(m.window)-1] = prompt
	}

	m.cn0DbHz = m.cn0Smoother.Smooth(CN0M2M4(m.window, coherentTimeS))
	m.carrierLock = m.lockSmoother.Smooth(CarrierLockTest(m.window))

	if !transitory {
		if m.carrierLock < m.cfg.CarrierLockThreshold {
			m.carrierFails++
		} else if m.carrierFails > 0 {
			m.carrierFails--
		}
		if m.cn0DbHz < m.cfg.CN0MinDbHz {
			m.codeFails++
		} else if m.codeFails > 0 {
			m.codeFails--
		}
	}
	if m.carrierFails > m.cfg.MaxCarrierFails || m.codeFails > m.cfg.MaxCodeFails {
		m.carrierFails = 0
		m.codeFails = 0
		return false
	}
	return true
}

// ZeroFailCounters clears the hysteresis counters without touching the
// estimator windows (end of pull-in transitory).
func (m *Monitor) ZeroFailCounters() {
	m.carrierFails = 0
	m.codeFails = 0
}
