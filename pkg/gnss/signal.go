// Package gnss holds the per-signal constants and ranging code
// generators used by the acquisition and tracking chains.
package gnss

import (
	"errors"
	"fmt"
)

// System identifies a satellite constellation.
type System int

const (
	GPS System = iota
	Galileo
	BeiDou
)

func (s System) String() string {
	switch s {
	case GPS:
		return "GPS"
	case Galileo:
		return "Galileo"
	case BeiDou:
		return "BeiDou"
	}
	return "unknown"
}

// Signal is the fixed per-signal-type configuration record. The receiver
// core reads these constants but never derives them on its own.
type Signal struct {
	Name            string
	System          System
	CarrierFreqHz   float64
	CodeChipRateHz  float64
	CodeLengthChips int
	// SecondaryCode is the overlay code pattern as a '0'/'1' string,
	// empty when the signal carries none. For signals without an
	// overlay, bit synchronization uses a run of SymbolsPerBit equal
	// symbols instead.
	SecondaryCode string
	SymbolsPerBit int
	MaxPRN        int
}

// CodePeriodS returns the duration of one primary code period in seconds.
func (s Signal) CodePeriodS() float64 {
	return float64(s.CodeLengthChips) / s.CodeChipRateHz
}

// SyncPattern is the symbol pattern used for secondary-code or
// bit-transition synchronization: the secondary code when the signal has
// one, otherwise SymbolsPerBit repetitions of the same symbol.
func (s Signal) SyncPattern() string {
	if s.SecondaryCode != "" {
		return s.SecondaryCode
	}
	pat := make([]byte, s.SymbolsPerBit)
	for i := range pat {
		pat[i] = '0'
	}
	return string(pat)
}

// NH20 is the 20-bit Neuman-Hofman overlay code used by BeiDou B1I (D1).
const NH20 = "00000100110101001110"

// GPSL1CA returns the GPS L1 C/A signal record.
func GPSL1CA() Signal {
	return Signal{
		Name:            "GPS_L1_CA",
		System:          GPS,
		CarrierFreqHz:   1575.42e6,
		CodeChipRateHz:  1.023e6,
		CodeLengthChips: 1023,
		SecondaryCode:   "",
		SymbolsPerBit:   20,
		MaxPRN:          210,
	}
}

// GalileoE1B returns the Galileo E1B (data component) signal record.
func GalileoE1B() Signal {
	return Signal{
		Name:            "Galileo_E1B",
		System:          Galileo,
		CarrierFreqHz:   1575.42e6,
		CodeChipRateHz:  1.023e6,
		CodeLengthChips: 4092,
		SecondaryCode:   "",
		SymbolsPerBit:   1,
		MaxPRN:          50,
	}
}

// BeiDouB1I returns the BeiDou B1I signal record.
func BeiDouB1I() Signal {
	return Signal{
		Name:            "BeiDou_B1I",
		System:          BeiDou,
		CarrierFreqHz:   1561.098e6,
		CodeChipRateHz:  2.046e6,
		CodeLengthChips: 2046,
		SecondaryCode:   NH20,
		SymbolsPerBit:   20,
		MaxPRN:          37,
	}
}

var signals = map[string]func() Signal{
	"GPS_L1_CA":   GPSL1CA,
	"Galileo_E1B": GalileoE1B,
	"BeiDou_B1I":  BeiDouB1I,
}

// ErrUnknownSignal reports a signal name with no configuration record.
var ErrUnknownSignal = errors.New("gnss: unknown signal type")

// SignalByName looks up a signal record by its configuration name.
func SignalByName(name string) (Signal, error) {
	f, ok := signals[name]
	if !ok {
		return Signal{}, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	return f(), nil
}
