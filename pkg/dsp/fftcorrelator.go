package dsp

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FFTCorrelator computes circular correlation against a fixed code
// replica for all code-phase lags at once: wipe off the carrier over the
// whole block, forward-FFT, multiply by the conjugated code FFT
// (precomputed once per PRN), inverse-FFT, take magnitude squared. This
// is the acquisition strategy, where the unknown code phase must be
// searched exhaustively.
//
// With unscaled forward and inverse transforms every correlation
// amplitude carries a factor of fftSize, so magnitudes squared are
// divided by fftSize^2 before accumulation; Accumulate additionally
// divides by fftSize^2 so that a matched full-scale peak is directly
// comparable against the block's mean sample power.
type FFTCorrelator struct {
	n           int
	fft         *fourier.CmplxFFT
	codeFFTConj []complex128
	wiped       []complex128
	spec        []complex128
	prod        []complex128
	lags        []complex128
}

// NewFFTCorrelator builds a correlator of the given FFT length and
// precomputes the conjugated code spectrum. codeSamples is the code
// replica already resampled to the sample rate (length n).
func NewFFTCorrelator(codeSamples []complex128) (*FFTCorrelator, error) {
	n := len(codeSamples)
	if n == 0 {
		return nil, fmt.Errorf("dsp: empty code replica")
	}
	c := &FFTCorrelator{
		n:     n,
		fft:   fourier.NewCmplxFFT(n),
		wiped: make([]complex128, n),
		prod:  make([]complex128, n),
		lags:  make([]complex128, n),
	}
	c.codeFFTConj = c.fft.Coefficients(nil, codeSamples)
	for i, v := range c.codeFFTConj {
		c.codeFFTConj[i] = complex(real(v), -imag(v))
	}
	c.spec = make([]complex128, n)
	return c, nil
}

// Size returns the FFT length.
func (c *FFTCorrelator) Size() int { return c.n }

// Accumulate runs one circular-correlation pass of in against the local
// code with the given carrier wipe-off phase step, and adds the
// normalized magnitude-squared correlation at every lag into dst.
// len(in) and len(dst) must equal Size.
func (c *FFTCorrelator) Accumulate(dst []float64, in []complex128, phaseStepRad float64) error {
	if len(in) != c.n || len(dst) != c.n {
		return fmt.Errorf("dsp: block length %d, grid length %d, want %d", len(in), len(dst), c.n)
	}
	CarrierReplica(c.wiped, 0, phaseStepRad, 0)
	for i := range c.wiped {
		c.wiped[i] *= in[i]
	}
	c.spec = c.fft.Coefficients(c.spec, c.wiped)
	for i := range c.spec {
		c.prod[i] = c.spec[i] * c.codeFFTConj[i]
	}
	// gonum has no unscaled inverse, so run conj -> forward -> conj.
	for i := range c.prod {
		c.prod[i] = complex(real(c.prod[i]), -imag(c.prod[i]))
	}
	c.lags = c.fft.Coefficients(c.lags, c.prod)
	norm := float64(c.n) * float64(c.n)
	norm *= norm
	for i, v := range c.lags {
		re, im := real(v), imag(v)
		dst[i] += (re*re + im*im) / norm
	}
	return nil
}

// CorrelateOnce is Accumulate into a zeroed grid, for callers that need
// a single pass.
func (c *FFTCorrelator) CorrelateOnce(in []complex128, phaseStepRad float64) ([]float64, error) {
	dst := make([]float64, c.n)
	if err := c.Accumulate(dst, in, phaseStepRad); err != nil {
		return nil, err
	}
	return dst, nil
}
