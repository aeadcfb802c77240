// Package dsp implements the correlation primitives of the receiver:
// the numerically controlled oscillator, the time-domain
// multicorrelator used by tracking, and the FFT circular correlator
// used by acquisition.
package dsp

import "math"

const twoPi = 2 * math.Pi

// CarrierPhase evaluates the NCO phase trajectory at sample i:
// phase0 + i*step + 0.5*i^2*rate. The rate term tracks accelerating
// Doppler; leaving it at zero is only safe for low-dynamics receivers.
func CarrierPhase(phase0, stepRad, rateRad float64, i int) float64 {
	fi := float64(i)
	return phase0 + fi*stepRad + 0.5*fi*fi*rateRad
}

// CarrierReplica fills dst with unit-magnitude samples
// exp(-j*phase(i)) suitable for carrier wipe-off, and returns the phase
// after the last sample wrapped to (-2pi, 2pi).
func CarrierReplica(dst []complex128, phase0, stepRad, rateRad float64) float64 {
	phase := phase0
	for i := range dst {
		s, c := math.Sincos(phase)
		dst[i] = complex(c, -s)
		phase = CarrierPhase(phase0, stepRad, rateRad, i+1)
	}
	return math.Mod(phase, twoPi)
}

// WrapPhase reduces a phase to (-2pi, 2pi). Remnant phases are kept
// wrapped so the NCO accumulators never grow without bound.
func WrapPhase(rad float64) float64 {
	return math.Mod(rad, twoPi)
}
