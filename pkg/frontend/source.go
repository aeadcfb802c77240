// Package frontend provides the sample sources the receiver channels
// read from: a file of interleaved signed 8-bit I/Q samples (the usual
// capture format of RTL-SDR style front ends) and an in-memory source
// for tests. The stream is read-only and shared: every channel keeps its
// own cursor and the source never mutates delivered samples.
package frontend

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrOutOfRange reports a read past the end of a finite stream.
var ErrOutOfRange = errors.New("frontend: read past end of stream")

// Source is a sequential stream of complex baseband samples addressed by
// an absolute sample counter. Implementations must tell consumers the
// sampling rate and intermediate frequency; the core never assumes them.
type Source interface {
	// SampleRate returns the sampling rate in Hz.
	SampleRate() float64
	// IntermediateFreqHz returns the front-end IF in Hz.
	IntermediateFreqHz() float64
	// ReadAt copies len(dst) samples starting at absolute sample index
	// cursor. It returns ErrOutOfRange (wrapping io.EOF semantics) when
	// the stream cannot satisfy the read.
	ReadAt(cursor uint64, dst []complex128) error
	// Len returns the total number of samples, or a negative value for
	// unbounded streams.
	Len() int64
}

// MemorySource serves samples from a slice. Used by tests and by the
// synthetic-signal tooling.
type MemorySource struct {
	samples []complex128
	fs      float64
	ifFreq  float64
}

// NewMemorySource wraps a sample slice. The slice is not copied; callers
// must not mutate it afterwards.
func NewMemorySource(samples []complex128, sampleRateHz, ifHz float64) *MemorySource {
	return &MemorySource{samples: samples, fs: sampleRateHz, ifFreq: ifHz}
}

func (m *MemorySource) SampleRate() float64         { return m.fs }
func (m *MemorySource) IntermediateFreqHz() float64 { return m.ifFreq }
func (m *MemorySource) Len() int64                  { return int64(len(m.samples)) }

func (m *MemorySource) ReadAt(cursor uint64, dst []complex128) error {
	end := cursor + uint64(len(dst))
	if end > uint64(len(m.samples)) {
		return fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, cursor, end, len(m.samples))
	}
	copy(dst, m.samples[cursor:end])
	return nil
}

// FileSource reads interleaved int8 I/Q pairs from a capture file. The
// whole capture is loaded at open; playback processing does not need
// incremental reads and channels address the stream randomly.
type FileSource struct {
	samples []complex128
	fs      float64
	ifFreq  float64
}

// OpenFile loads an int8 interleaved I/Q capture.
func OpenFile(path string, sampleRateHz, ifHz float64) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("frontend: %w", err)
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("frontend: reading %s: %w", path, err)
	}
	n := len(raw) / 2
	if n == 0 {
		return nil, fmt.Errorf("frontend: %s holds no complete I/Q pair", path)
	}
	samples := make([]complex128, n)
	for i := 0; i < n; i++ {
		samples[i] = complex(float64(int8(raw[2*i])), float64(int8(raw[2*i+1])))
	}
	return &FileSource{samples: samples, fs: sampleRateHz, ifFreq: ifHz}, nil
}

func (s *FileSource) SampleRate() float64         { return s.fs }
func (s *FileSource) IntermediateFreqHz() float64 { return s.ifFreq }
func (s *FileSource) Len() int64                  { return int64(len(s.samples)) }

func (s *FileSource) ReadAt(cursor uint64, dst []complex128) error {
	end := cursor + uint64(len(dst))
	if end > uint64(len(s.samples)) {
		return fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, cursor, end, len(s.samples))
	}
	copy(dst, s.samples[cursor:end])
	return nil
}
