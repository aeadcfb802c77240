// Package loop implements the discriminators, loop filters and lock
// detectors that close the DLL/PLL tracking loops.
package loop

import (
	"math"
	"math/cmplx"
)

// DLLNormalized is the normalized non-coherent early-minus-late power
// code discriminator, in chips. slope and yIntercept describe the shape
// of the code autocorrelation function around the configured spacing
// spc (half the early-late space, in chips): slope 1 / intercept 1 for
// simple BPSK codes, a curve fit for BOC-modulated signals.
func DLLNormalized(e, l complex128, spc, slope, yIntercept float64) float64 {
	pe := cmplx.Abs(e)
	pl := cmplx.Abs(l)
	sum := pe + pl
	if sum == 0 {
		return 0
	}
	return (yIntercept - slope*spc) * (pe - pl) / sum
}

// DLLVEML is the very-early-minus-late power discriminator used with
// five-tap correlation on BOC signals, in chips.
func DLLVEML(ve, e, l, vl complex128) float64 {
	pe := math.Sqrt(magSq(ve) + magSq(e))
	pl := math.Sqrt(magSq(vl) + magSq(l))
	sum := pe + pl
	if sum == 0 {
		return 0
	}
	return (pe - pl) / sum
}

// PLLCostas is the two-quadrant arctangent carrier phase discriminator,
// insensitive to 180-degree data-bit flips, in radians.
func PLLCostas(p complex128) float64 {
	if real(p) == 0 {
		return 0
	}
	return math.Atan(imag(p) / real(p))
}

// PLLAtan2 is the four-quadrant carrier phase discriminator, usable once
// secondary-code or bit synchronization has removed data modulation,
// in radians.
func PLLAtan2(p complex128) float64 {
	return math.Atan2(imag(p), real(p))
}

// FLLDiffAtan estimates the residual carrier frequency error from two
// consecutive prompt accumulations separated by dt seconds, in rad/s.
// The two-quadrant form keeps it insensitive to data-bit sign flips.
func FLLDiffAtan(prev, curr complex128, dt float64) float64 {
	cross := real(prev)*imag(curr) - imag(prev)*real(curr)
	dot := real(prev)*real(curr) + imag(prev)*imag(curr)
	if dot == 0 || dt <= 0 {
		return 0
	}
	return math.Atan(cross/dot) / dt
}

func magSq(v complex128) float64 {
	return real(v)*real(v) + imag(v)*imag(v)
}
