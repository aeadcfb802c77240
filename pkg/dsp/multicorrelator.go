package dsp

import (
	"errors"
	"fmt"
	"math"
)

// Multicorrelator computes one complex accumulator per tap over an input
// block: tap_k = sum_i code[chip(i)+offset_k] * in[i] * exp(-j*phi(i)).
// It resamples the code lookup table directly per tap per sample, which
// keeps fractional-chip tap offsets exact; this is the strategy tracking
// uses on short blocks with few taps.
type Multicorrelator struct {
	code    []int8
	offsets []float64 // chips relative to prompt
	taps    []complex128
	prompt  int
}

// ErrBadTapLayout reports a tap offset set that is not symmetric around
// a zero-offset prompt tap.
var ErrBadTapLayout = errors.New("dsp: tap offsets must be symmetric around a zero prompt")

// NewMulticorrelator builds a multicorrelator over one period of a code
// lookup table (one entry per chip). offsets are the per-tap code-phase
// offsets in chips, ordered early to late; they must be symmetric around
// zero and include the zero-offset prompt tap.
func NewMulticorrelator(code []int8, offsets []float64) (*Multicorrelator, error) {
	m := &Multicorrelator{code: code}
	if err := m.SetOffsets(offsets); err != nil {
		return nil, err
	}
	return m, nil
}

// SetOffsets replaces the tap layout. Tracking narrows the discriminator
// spacing in place on the wide-to-narrow transition.
func (m *Multicorrelator) SetOffsets(offsets []float64) error {
	n := len(offsets)
	if n == 0 || n%2 == 0 {
		return fmt.Errorf("%w: got %d taps", ErrBadTapLayout, n)
	}
	prompt := n / 2
	if offsets[prompt] != 0 {
		return fmt.Errorf("%w: prompt offset %g", ErrBadTapLayout, offsets[prompt])
	}
	for i := 0; i < prompt; i++ {
		if offsets[i] != -offsets[n-1-i] {
			return fmt.Errorf("%w: offsets %g and %g", ErrBadTapLayout, offsets[i], offsets[n-1-i])
		}
	}
	m.offsets = append(m.offsets[:0], offsets...)
	m.prompt = prompt
	if cap(m.taps) < n {
		m.taps = make([]complex128, n)
	}
	m.taps = m.taps[:n]
	return nil
}

// SetCode swaps in a new code lookup table (PRN re-assignment). Safe
// between Correlate calls; the taps are cleared.
func (m *Multicorrelator) SetCode(code []int8) {
	m.code = code
	for i := range m.taps {
		m.taps[i] = 0
	}
}

// NumTaps returns the number of configured taps.
func (m *Multicorrelator) NumTaps() int { return len(m.taps) }

// Correlate performs carrier wipe-off and code correlation over one
// block. carrPhase/carrStep/carrRate are in radians (per sample, per
// sample squared); codePhase/codeStep/codeRate are in chips. The
// returned slice is owned by the multicorrelator and valid until the
// next call.
func (m *Multicorrelator) Correlate(in []complex128,
	carrPhase, carrStep, carrRate float64,
	codePhase, codeStep, codeRate float64) []complex128 {

	for i := range m.taps {
		m.taps[i] = 0
	}
	clen := float64(len(m.code))
	for i, x := range in {
		fi := float64(i)
		s, c := math.Sincos(carrPhase + fi*carrStep + 0.5*fi*fi*carrRate)
		wiped := x * complex(c, -s)
		chip := codePhase + fi*codeStep + 0.5*fi*fi*codeRate
		for k, off := range m.offsets {
			idx := math.Mod(chip+off, clen)
			if idx < 0 {
				idx += clen
			}
			if m.code[int(idx)] > 0 {
				m.taps[k] += wiped
			} else {
				m.taps[k] -= wiped
			}
		}
	}
	return m.taps
}

// Prompt returns the prompt tap of the last Correlate call.
func (m *Multicorrelator) Prompt() complex128 { return m.taps[m.prompt] }
