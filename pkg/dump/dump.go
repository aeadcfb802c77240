// Package dump writes per-integration tracking internals as sequential
// fixed-size binary records, little-endian. One file per channel; the
// record layout is stable so offline plotting tools can mmap it.
package dump

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/wkazubski/gnss-sdr/pkg/tracking"
)

// maxTaps is the widest correlator layout we record (VE,E,P,L,VL).
const maxTaps = 5

// record is the on-disk layout. Unused tap slots are zero.
type record struct {
	SampleStamp      uint64
	TapsI            [maxTaps]float64
	TapsQ            [maxTaps]float64
	CarrierDopplerHz float64
	CodeFreqChips    float64
	CarrErrorHz      float64
	CodeErrorChips   float64
	CN0DbHz          float64
	CarrierLockValue float64
	PRN              int32
	NumTaps          int32
}

// Writer streams tracking records to a file. Safe for use from a single
// channel goroutine; Close flushes.
type Writer struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
}

// NewWriter creates (truncates) the dump file.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("dump: %w", err)
	}
	return &Writer{f: f, buf: bufio.NewWriter(f)}, nil
}

// Record implements tracking.Recorder.
func (w *Writer) Record(r tracking.Record) error {
	var rec record
	rec.SampleStamp = r.SampleStamp
	n := len(r.Taps)
	if n > maxTaps {
		n = maxTaps
	}
	for i := 0; i < n; i++ {
		rec.TapsI[i] = real(r.Taps[i])
		rec.TapsQ[i] = imag(r.Taps[i])
	}
	rec.CarrierDopplerHz = r.CarrierDopplerHz
	rec.CodeFreqChips = r.CodeFreqChips
	rec.CarrErrorHz = r.CarrErrorHz
	rec.CodeErrorChips = r.CodeErrorChips
	rec.CN0DbHz = r.CN0DbHz
	rec.CarrierLockValue = r.CarrierLockValue
	rec.PRN = int32(r.PRN)
	rec.NumTaps = int32(n)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := binary.Write(w.buf, binary.LittleEndian, &rec); err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("dump: %w", err)
	}
	return w.f.Close()
}
