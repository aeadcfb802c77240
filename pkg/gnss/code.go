package gnss

import (
	"fmt"
	"math"
	"sync"
)

// caDelay is the G2 delay per PRN from IS-GPS-200 (PRN 1..210, including
// SBAS and QZSS slots).
var caDelay = []int{
	5, 6, 7, 8, 17, 18, 139, 140, 141, 251,
	252, 254, 255, 256, 257, 258, 469, 470, 471, 472,
	473, 474, 509, 512, 513, 514, 515, 516, 859, 860,
	861, 862, 863, 950, 947, 948, 950, 67, 103, 91,
	19, 679, 225, 625, 946, 638, 161, 1001, 554, 280,
	710, 709, 775, 864, 558, 220, 397, 55, 898, 759,
	367, 299, 1018, 729, 695, 780, 801, 788, 732, 34,
	320, 327, 389, 407, 525, 405, 221, 761, 260, 326,
	955, 653, 699, 422, 188, 438, 959, 539, 879, 677,
	586, 153, 792, 814, 446, 264, 1015, 278, 536, 819,
	156, 957, 159, 712, 885, 461, 248, 713, 126, 807,
	279, 122, 197, 693, 632, 771, 467, 647, 203, 145,
	175, 52, 21, 237, 235, 886, 657, 634, 762, 355,
	1012, 176, 603, 130, 359, 595, 68, 386, 797, 456,
	499, 883, 307, 127, 211, 121, 118, 163, 628, 853,
	484, 289, 811, 202, 1021, 463, 568, 904, 670, 230,
	911, 684, 309, 644, 932, 12, 314, 891, 212, 185,
	675, 503, 150, 395, 345, 846, 798, 992, 357, 995,
	877, 112, 144, 476, 193, 109, 445, 291, 87, 399,
	292, 901, 339, 208, 711, 189, 263, 537, 663, 942,
	173, 900, 30, 500, 935, 556, 373, 85, 652, 310,
}

// CACode generates the GPS L1 C/A ranging code for one PRN as +/-1 chips.
func CACode(prn int) ([]int8, error) {
	if prn < 1 || prn > len(caDelay) {
		return nil, fmt.Errorf("gnss: C/A code PRN %d out of range [1,%d]", prn, len(caDelay))
	}
	const n = 1023
	var r1, r2 [10]int8
	for i := range r1 {
		r1[i] = -1
		r2[i] = -1
	}
	g1 := make([]int8, n)
	g2 := make([]int8, n)
	for i := 0; i < n; i++ {
		g1[i] = r1[9]
		g2[i] = r2[9]
		c1 := r1[2] * r1[9]
		c2 := r2[1] * r2[2] * r2[5] * r2[7] * r2[8] * r2[9]
		copy(r1[1:], r1[:9])
		copy(r2[1:], r2[:9])
		r1[0] = c1
		r2[0] = c2
	}
	code := make([]int8, n)
	j := n - caDelay[prn-1]
	for i := 0; i < n; i++ {
		code[i] = -g1[i] * g2[j%n]
		j++
	}
	return code, nil
}

// b1iPhase lists the G2 register tap pairs per B1I PRN (BDS-SIS-ICD).
var b1iPhase = [][2]int{
	{1, 3}, {1, 4}, {1, 5}, {1, 6}, {1, 8}, {1, 9}, {1, 10}, {1, 11},
	{2, 7}, {3, 4}, {3, 5}, {3, 6}, {3, 8}, {3, 9}, {3, 10}, {3, 11},
	{4, 5}, {4, 6}, {4, 8}, {4, 9}, {4, 10}, {4, 11}, {5, 6}, {5, 8},
	{5, 9}, {5, 10}, {5, 11}, {6, 8}, {6, 9}, {6, 10}, {6, 11}, {8, 9},
	{8, 10}, {8, 11}, {9, 10}, {9, 11}, {10, 11},
}

// B1ICode generates the BeiDou B1I ranging code for one PRN as +/-1
// chips. The two 11-stage generators run for 2046 chips (the sequence is
// truncated one chip short of the LFSR period).
func B1ICode(prn int) ([]int8, error) {
	if prn < 1 || prn > len(b1iPhase) {
		return nil, fmt.Errorf("gnss: B1I code PRN %d out of range [1,%d]", prn, len(b1iPhase))
	}
	const n = 2046
	// registers indexed 1..11, initial state 01010101010
	var g1, g2 [12]int8
	for i := 1; i <= 11; i++ {
		g1[i] = int8((i + 1) % 2)
		g2[i] = int8((i + 1) % 2)
	}
	p := b1iPhase[prn-1]
	code := make([]int8, n)
	for i := 0; i < n; i++ {
		out := g1[11] ^ (g2[p[0]] ^ g2[p[1]])
		code[i] = 1 - 2*out
		fb1 := g1[1] ^ g1[7] ^ g1[8] ^ g1[9] ^ g1[10] ^ g1[11]
		fb2 := g2[1] ^ g2[2] ^ g2[3] ^ g2[4] ^ g2[5] ^ g2[8] ^ g2[9] ^ g2[11]
		copy(g1[2:], g1[1:11])
		copy(g2[2:], g2[1:11])
		g1[1] = fb1
		g2[1] = fb2
	}
	return code, nil
}

// Galileo E1B primary codes are memory codes published in the ICD rather
// than LFSR products. They are registered at startup by whatever loads
// them (file, embedded table); the core only consumes them here.
var (
	memCodesMu sync.RWMutex
	memCodes   = map[string][]int8{}
)

func memKey(signal string, prn int) string { return fmt.Sprintf("%s/%d", signal, prn) }

// RegisterMemoryCode installs a memory code for signals whose chips are
// not generator-derived. The chips slice is copied.
func RegisterMemoryCode(signal string, prn int, chips []int8) {
	cp := make([]int8, len(chips))
	copy(cp, chips)
	memCodesMu.Lock()
	memCodes[memKey(signal, prn)] = cp
	memCodesMu.Unlock()
}

// Code returns the primary ranging code for the given signal and PRN.
func Code(sig Signal, prn int) ([]int8, error) {
	switch sig.System {
	case GPS:
		return CACode(prn)
	case BeiDou:
		return B1ICode(prn)
	case Galileo:
		memCodesMu.RLock()
		c, ok := memCodes[memKey(sig.Name, prn)]
		memCodesMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("gnss: no memory code registered for %s PRN %d", sig.Name, prn)
		}
		if len(c) != sig.CodeLengthChips {
			return nil, fmt.Errorf("gnss: registered %s PRN %d code has %d chips, want %d",
				sig.Name, prn, len(c), sig.CodeLengthChips)
		}
		return c, nil
	}
	return nil, fmt.Errorf("gnss: no code generator for system %v", sig.System)
}

// ResampleCode fills out with code chips resampled at chipsPerSample
// starting from code offset coff (chips, may be fractional or negative)
// and returns the remaining offset after the last written sample. smax
// extra samples are produced at each end so a multicorrelator can index
// early and late taps without rewrapping.
func ResampleCode(code []int8, coff float64, smax int, chipsPerSample float64, n int, out []int8) float64 {
	clen := float64(len(code))
	coff -= float64(smax) * chipsPerSample
	coff -= math.Floor(coff/clen) * clen
	for i := 0; i < n+2*smax && i < len(out); i++ {
		if coff >= clen {
			coff -= clen
		}
		out[i] = code[int(coff)]
		coff += chipsPerSample
	}
	return coff - float64(smax)*chipsPerSample
}
