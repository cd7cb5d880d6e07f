// Package probebuf holds the per-anchor radiance buffers a light probe
// accumulates, the merge rule that folds new evidence into them, and the
// trigger decision that compares a probe's temporary and persistent buffers.
package probebuf

import "fmt"

// Record is one anchor's sample: linear colour and a confidence weight.
// W == 0 means the anchor has no sample.
type Record struct {
	R, G, B, W float32
}

// Covered reports whether the record carries a sample.
func (r Record) Covered() bool { return r.W > 0 }

// Sum returns r+g+b, the quantity the wire encoder's sparsity filter tests.
func (r Record) Sum() float32 { return r.R + r.G + r.B }

// Buffer is indexed by anchor and always has one record per anchor.
type Buffer []Record

// New returns a zeroed buffer for n anchors.
func New(n int) Buffer { return make(Buffer, n) }

// Clone returns an independent copy.
func (b Buffer) Clone() Buffer {
	out := make(Buffer, len(b))
	copy(out, b)
	return out
}

// Covered counts anchors with a sample.
func (b Buffer) Covered() int {
	n := 0
	for _, r := range b {
		if r.Covered() {
			n++
		}
	}
	return n
}

// Reset zeroes every record.
func (b Buffer) Reset() {
	clear(b)
}

// Float32s flattens to r,g,b,w quadruples.
func (b Buffer) Float32s() []float32 {
	out := make([]float32, 0, len(b)*4)
	for _, r := range b {
		out = append(out, r.R, r.G, r.B, r.W)
	}
	return out
}

// FromFloat32s is the inverse of Float32s.
func FromFloat32s(f []float32) (Buffer, error) {
	if len(f)%4 != 0 {
		return nil, fmt.Errorf("float buffer length %d is not a multiple of 4", len(f))
	}
	out := make(Buffer, len(f)/4)
	for i := range out {
		out[i] = Record{R: f[i*4], G: f[i*4+1], B: f[i*4+2], W: f[i*4+3]}
	}
	return out, nil
}

// Merge copies every src record with weight > 0 over dst. Records without
// evidence leave dst untouched, so anchors keep their last sample
// indefinitely.
func Merge(src, dst Buffer) error {
	if len(src) != len(dst) {
		return fmt.Errorf("merge length mismatch: src %d, dst %d", len(src), len(dst))
	}
	for i, r := range src {
		if r.W > 0 {
			dst[i] = r
		}
	}
	return nil
}

// MergeFloat32s applies the Merge rule to flat r,g,b,w buffers in place.
func MergeFloat32s(src, dst []float32) error {
	if len(src) != len(dst) || len(src)%4 != 0 {
		return fmt.Errorf("merge length mismatch: src %d, dst %d", len(src), len(dst))
	}
	for i := 0; i < len(src); i += 4 {
		if src[i+3] > 0 {
			copy(dst[i:i+4], src[i:i+4])
		}
	}
	return nil
}
