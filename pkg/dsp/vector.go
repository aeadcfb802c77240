package dsp

import "gonum.org/v1/gonum/floats"

// Power returns the mean squared magnitude of a sample block, the input
// power estimate acquisition normalizes its test statistic with.
func Power(in []complex128) float64 {
	if len(in) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range in {
		re, im := real(v), imag(v)
		sum += re*re + im*im
	}
	return sum / float64(len(in))
}

// Max returns the maximum value of data and its index.
func Max(data []float64) (float64, int) {
	i := floats.MaxIdx(data)
	return data[i], i
}

// MaxExcluding returns the maximum value and index of data while
// skipping indices in [from, to]; with from > to the excluded range
// wraps around the end of the slice. Acquisition uses this to find the
// second peak outside the main correlation lobe.
func MaxExcluding(data []float64, from, to int) (float64, int) {
	max, ind := 0.0, -1
	for i, v := range data {
		if excluded(i, from, to) {
			continue
		}
		if ind < 0 || v > max {
			max, ind = v, i
		}
	}
	return max, ind
}

// MeanExcluding returns the mean of data skipping indices in [from, to],
// wrapping when from > to.
func MeanExcluding(data []float64, from, to int) float64 {
	sum, n := 0.0, 0
	for i, v := range data {
		if excluded(i, from, to) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func excluded(i, from, to int) bool {
	if from <= to {
		return i >= from && i <= to
	}
	return i >= from || i <= to
}
