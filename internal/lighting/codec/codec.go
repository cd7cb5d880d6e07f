// Package codec serialises a probe's persistent buffer into the sparse
// payload sent to the inference service, and decodes it again on the server
// side.
//
// Each encoded anchor is a 7-byte record:
//
//	offset 0  uint16 LE  anchor index
//	offset 2  uint8      red   round(r·255)
//	offset 3  uint8      green round(g·255)
//	offset 4  uint8      blue  round(b·255)
//	offset 5  float16 LE weight
//
// Anchors whose r+g+b falls below the sparsity threshold are omitted, so
// receivers must read indices from the records rather than from position.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/lightprobe/internal/lighting/probebuf"
	"github.com/x448/float16"
)

const (
	// RecordSize is the size of one encoded anchor.
	RecordSize = 7
	// DefaultSparsityThreshold is the minimum r+g+b for an anchor to be sent.
	DefaultSparsityThreshold = 0.05
	// MaxAnchors is the largest index space the 16-bit index field can address.
	MaxAnchors = math.MaxUint16 + 1
)

// ErrMalformedPayload is returned for payloads that are not a whole number of
// records.
var ErrMalformedPayload = errors.New("malformed anchor payload")

// Entry is one decoded record.
type Entry struct {
	Index   uint16
	R, G, B uint8
	Weight  float16.Float16
}

// Record converts the entry back to linear floats.
func (e Entry) Record() probebuf.Record {
	return probebuf.Record{
		R: float32(e.R) / 255,
		G: float32(e.G) / 255,
		B: float32(e.B) / 255,
		W: e.Weight.Float32(),
	}
}

// Stats summarises one encode.
type Stats struct {
	Encoded int
	Omitted int
	Bytes   int
}

// Encode writes one record for every anchor with r+g+b >= threshold, in
// index order.
func Encode(buf probebuf.Buffer, threshold float32) ([]byte, Stats, error) {
	if len(buf) > MaxAnchors {
		return nil, Stats{}, fmt.Errorf("cannot encode %d anchors with a 16-bit index", len(buf))
	}
	out := make([]byte, 0, len(buf)*RecordSize/4)
	var st Stats
	var rec [RecordSize]byte
	for i, r := range buf {
		if r.Sum() < threshold {
			st.Omitted++
			continue
		}
		binary.LittleEndian.PutUint16(rec[0:], uint16(i))
		rec[2] = quantize(r.R)
		rec[3] = quantize(r.G)
		rec[4] = quantize(r.B)
		binary.LittleEndian.PutUint16(rec[5:], float16.Fromfloat32(r.W).Bits())
		out = append(out, rec[:]...)
		st.Encoded++
	}
	st.Bytes = len(out)
	return out, st, nil
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) ([]Entry, error) {
	if len(payload)%RecordSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedPayload, len(payload), RecordSize)
	}
	entries := make([]Entry, len(payload)/RecordSize)
	for i := range entries {
		rec := payload[i*RecordSize : (i+1)*RecordSize]
		entries[i] = Entry{
			Index:  binary.LittleEndian.Uint16(rec[0:]),
			R:      rec[2],
			G:      rec[3],
			B:      rec[4],
			Weight: float16.Frombits(binary.LittleEndian.Uint16(rec[5:])),
		}
	}
	return entries, nil
}

// Expand scatters entries into a dense buffer of n anchors. Anchors without
// an entry stay zero.
func Expand(entries []Entry, n int) (probebuf.Buffer, error) {
	buf := probebuf.New(n)
	for _, e := range entries {
		if int(e.Index) >= n {
			return nil, fmt.Errorf("%w: anchor index %d out of range for %d anchors", ErrMalformedPayload, e.Index, n)
		}
		buf[e.Index] = e.Record()
	}
	return buf, nil
}

func quantize(c float32) byte {
	v := math.Round(float64(c) * 255)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
