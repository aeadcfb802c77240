package loop

import "fmt"

// Loop filter natural-frequency normalization constants. A noise
// bandwidth B maps to w0 = B/0.53 for second-order loops, B/0.7845 for
// third-order loops and B/0.25 for the first-order FLL path.
const (
	normSecondOrder = 0.53
	normThirdOrder  = 0.7845
	normFirstOrder  = 0.25

	coefA2 = 1.414
	coefA3 = 1.1
	coefB3 = 2.4
)

// CodeFilter is the code (DLL) loop filter: it turns a chip-rate
// discriminator error (chips per integration period) into a filtered
// chip-rate correction (chips per second). Orders one to three are
// supported; higher orders add an internal integrator per order so the
// loop can track rate and acceleration without steady-state bias.
type CodeFilter struct {
	order int
	bwHz  float64
	dt    float64

	w0  float64
	vel float64 // first integrator
	acc float64 // second integrator (order 3)
}

// NewCodeFilter builds a code loop filter of the given order. The update
// interval must be set to the integration period before the first Apply.
func NewCodeFilter(order int, noiseBandwidthHz, updateIntervalS float64) (*CodeFilter, error) {
	if order < 1 || order > 3 {
		return nil, fmt.Errorf("loop: code filter order %d not in [1,3]", order)
	}
	if noiseBandwidthHz <= 0 {
		return nil, fmt.Errorf("loop: code filter bandwidth %g must be positive", noiseBandwidthHz)
	}
	f := &CodeFilter{order: order}
	f.SetNoiseBandwidth(noiseBandwidthHz)
	f.SetUpdateInterval(updateIntervalS)
	return f, nil
}

// SetNoiseBandwidth retunes the filter. Tracking narrows the bandwidth
// on the wide-to-narrow transition.
func (f *CodeFilter) SetNoiseBandwidth(bwHz float64) {
	f.bwHz = bwHz
	switch f.order {
	case 1:
		f.w0 = bwHz / normFirstOrder
	case 2:
		f.w0 = bwHz / normSecondOrder
	case 3:
		f.w0 = bwHz / normThirdOrder
	}
}

// SetUpdateInterval sets the integration period in seconds.
func (f *CodeFilter) SetUpdateInterval(dt float64) { f.dt = dt }

// Init clears the filter memory. Must be called on every transition out
// of loss-of-lock: stale integrator state across a reacquisition is a
// correctness bug.
func (f *CodeFilter) Init() {
	f.vel = 0
	f.acc = 0
}

// Apply filters one discriminator sample (chips) and returns the code
// frequency correction in chips per second.
func (f *CodeFilter) Apply(errChips float64) float64 {
	switch f.order {
	case 1:
		return f.w0 * errChips
	case 2:
		f.vel += f.w0 * f.w0 * f.dt * errChips
		return f.vel + coefA2*f.w0*errChips
	default: // 3
		f.acc += f.w0 * f.w0 * f.w0 * f.dt * errChips
		f.vel += f.dt * (0.5*f.acc + coefA3*f.w0*f.w0*errChips)
		return 0.5*f.vel + coefB3*f.w0*errChips
	}
}

// CarrierFilter is the combined FLL-assisted PLL carrier loop filter.
// During pull-in the FLL path alone drags the residual Doppler in;
// afterwards the PLL path holds phase with the FLL either disabled or
// aiding. Output is the absolute carrier Doppler estimate in Hz (the
// filter is seeded with the acquisition Doppler).
type CarrierFilter struct {
	pllOrder int
	w0p      float64
	w0f      float64

	w float64 // integrator shared by both orders
	x float64 // second integrator (order 3)
}

// NewCarrierFilter builds a carrier filter with a PLL of the given order
// (2 or 3) and a one-order-lower FLL assist path.
func NewCarrierFilter(pllOrder int, fllBwHz, pllBwHz float64) (*CarrierFilter, error) {
	if pllOrder != 2 && pllOrder != 3 {
		return nil, fmt.Errorf("loop: PLL order %d not in {2,3}", pllOrder)
	}
	if pllBwHz <= 0 || fllBwHz < 0 {
		return nil, fmt.Errorf("loop: carrier bandwidths pll=%g fll=%g invalid", pllBwHz, fllBwHz)
	}
	f := &CarrierFilter{}
	f.SetParams(pllOrder, fllBwHz, pllBwHz)
	return f, nil
}

// SetParams retunes the filter, keeping its state.
func (f *CarrierFilter) SetParams(pllOrder int, fllBwHz, pllBwHz float64) {
	f.pllOrder = pllOrder
	if pllOrder == 3 {
		f.w0p = pllBwHz / normThirdOrder
		f.w0f = fllBwHz / normSecondOrder
	} else {
		f.w0p = pllBwHz / normSecondOrder
		f.w0f = fllBwHz / normFirstOrder
	}
}

// Init seeds the filter so that with zero discriminator input the output
// holds the given Doppler. Called at pull-in and after every
// loss-of-lock.
func (f *CarrierFilter) Init(dopplerHz float64) {
	if f.pllOrder == 3 {
		f.w = 0
		f.x = 2 * dopplerHz
	} else {
		f.w = dopplerHz
		f.x = 0
	}
}

// Apply filters one step. fllErrHz and pllErrHz are the frequency and
// phase discriminator outputs in Hz (phase error divided by 2*pi); dt is
// the integration period in seconds. Either error may be zero to run the
// other loop alone. Returns the new carrier Doppler estimate in Hz.
func (f *CarrierFilter) Apply(fllErrHz, pllErrHz, dt float64) float64 {
	if f.pllOrder == 3 {
		f.w += dt * (f.w0p*f.w0p*f.w0p*pllErrHz + f.w0f*f.w0f*fllErrHz)
		f.x += dt * (0.5*f.w + coefA3*f.w0p*f.w0p*pllErrHz + f.w0f*fllErrHz)
		return 0.5*f.x + coefB3*f.w0p*pllErrHz
	}
	wNew := f.w + pllErrHz*f.w0p*f.w0p*dt + fllErrHz*f.w0f*dt
	out := 0.5*(wNew+f.w) + coefA2*f.w0p*pllErrHz
	f.w = wNew
	return out
}
