package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/lightprobe/internal/lighting/probebuf"
)

// Float4 layouts are the uncompressed debug encodings: 16 bytes per anchor
// dense, or an index-tagged 18-byte record when sparse. They are sent to the
// dump endpoint, never to estimation.
const (
	Float4RecordSize       = 16
	Float4SparseRecordSize = 18
)

// EncodeFloat4 writes every anchor as four little-endian float32 values.
func EncodeFloat4(buf probebuf.Buffer) []byte {
	out := make([]byte, len(buf)*Float4RecordSize)
	for i, r := range buf {
		putFloats(out[i*Float4RecordSize:], r)
	}
	return out
}

// DecodeFloat4 is the inverse of EncodeFloat4.
func DecodeFloat4(data []byte) (probebuf.Buffer, error) {
	if len(data)%Float4RecordSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedPayload, len(data), Float4RecordSize)
	}
	buf := probebuf.New(len(data) / Float4RecordSize)
	for i := range buf {
		buf[i] = getFloats(data[i*Float4RecordSize:])
	}
	return buf, nil
}

// EncodeFloat4Sparse writes a uint16 index plus four float32 values for every
// anchor passing the sparsity threshold.
func EncodeFloat4Sparse(buf probebuf.Buffer, threshold float32) []byte {
	out := make([]byte, 0, len(buf)*Float4SparseRecordSize/4)
	var rec [Float4SparseRecordSize]byte
	for i, r := range buf {
		if r.Sum() < threshold {
			continue
		}
		binary.LittleEndian.PutUint16(rec[0:], uint16(i))
		putFloats(rec[2:], r)
		out = append(out, rec[:]...)
	}
	return out
}

func putFloats(dst []byte, r probebuf.Record) {
	binary.LittleEndian.PutUint32(dst[0:], math.Float32bits(r.R))
	binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(r.G))
	binary.LittleEndian.PutUint32(dst[8:], math.Float32bits(r.B))
	binary.LittleEndian.PutUint32(dst[12:], math.Float32bits(r.W))
}

func getFloats(src []byte) probebuf.Record {
	return probebuf.Record{
		R: math.Float32frombits(binary.LittleEndian.Uint32(src[0:])),
		G: math.Float32frombits(binary.LittleEndian.Uint32(src[4:])),
		B: math.Float32frombits(binary.LittleEndian.Uint32(src[8:])),
		W: math.Float32frombits(binary.LittleEndian.Uint32(src[12:])),
	}
}
