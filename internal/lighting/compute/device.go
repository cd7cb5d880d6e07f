// Package compute is a small dispatch layer for data-parallel kernels:
// buffers and kernels are registered by name, kernels are bound to buffers
// and textures through named slots, and work is dispatched by kernel name.
// The pipeline only talks to the Device interface, so a GPU backend and the
// CPU backend in this package are interchangeable.
package compute

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownBuffer = errors.New("unknown buffer")
	ErrUnknownKernel = errors.New("unknown kernel")
	ErrUnbound       = errors.New("slot not bound")
	ErrReleased      = errors.New("resource released")
	ErrKind          = errors.New("buffer element kind mismatch")
)

// Kind is the element type of a buffer. Every kind has a 4-byte stride.
type Kind int

const (
	Float32 Kind = iota
	Uint32
	Int32
)

func (k Kind) String() string {
	switch k {
	case Float32:
		return "float32"
	case Uint32:
		return "uint32"
	case Int32:
		return "int32"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Groups is a dispatch size in work groups along x, y and z.
type Groups [3]int

// KernelFunc is a kernel body. It receives its bound resources through inv.
type KernelFunc func(ctx context.Context, inv *Invocation) error

// Device is a compute backend.
type Device interface {
	// MakeBuffer registers a device-owned buffer of count elements.
	MakeBuffer(name string, kind Kind, count int) (*Buffer, error)
	// NewBuffer allocates an unregistered buffer owned by the caller, for
	// per-probe state bound with BindExternal.
	NewBuffer(name string, kind Kind, count int) *Buffer
	// Buffer looks up a registered buffer.
	Buffer(name string) (*Buffer, error)
	// Write copies data ([]float32, []uint32 or []int32) into a registered buffer.
	Write(name string, data any) error

	MakeKernel(name string, fn KernelFunc) error
	// Bind attaches a registered buffer to the kernel slot of the same name.
	Bind(kernel, buffer string) error
	// BindExternal attaches buf to the named slot.
	BindExternal(kernel, slot string, buf *Buffer) error
	// BindTexture attaches an opaque host image to the named slot.
	BindTexture(kernel, slot string, tex any) error

	SetFloats(name string, v ...float32)
	SetInts(name string, v ...int32)

	Dispatch(ctx context.Context, kernel string, groups Groups) error

	// Release frees every registered buffer and unregisters all kernels.
	Release() error
}

// Buffer is a typed device buffer. Accessors fail after Release.
type Buffer struct {
	name     string
	kind     Kind
	count    int
	f32      []float32
	u32      []uint32
	i32      []int32
	released bool
}

func newBuffer(name string, kind Kind, count int) *Buffer {
	b := &Buffer{name: name, kind: kind, count: count}
	switch kind {
	case Float32:
		b.f32 = make([]float32, count)
	case Uint32:
		b.u32 = make([]uint32, count)
	case Int32:
		b.i32 = make([]int32, count)
	}
	return b
}

func (b *Buffer) Name() string { return b.name }
func (b *Buffer) Kind() Kind   { return b.kind }
func (b *Buffer) Count() int   { return b.count }

// Stride is the element size in bytes.
func (b *Buffer) Stride() int { return 4 }

// Released reports whether the buffer has been released.
func (b *Buffer) Released() bool { return b.released }

// Release frees the storage. Releasing twice is a no-op.
func (b *Buffer) Release() {
	b.released = true
	b.f32, b.u32, b.i32 = nil, nil, nil
}

func (b *Buffer) check(kind Kind) error {
	if b.released {
		return fmt.Errorf("buffer %q: %w", b.name, ErrReleased)
	}
	if b.kind != kind {
		return fmt.Errorf("buffer %q holds %s, not %s: %w", b.name, b.kind, kind, ErrKind)
	}
	return nil
}

// Float32s returns the live storage of a Float32 buffer.
func (b *Buffer) Float32s() ([]float32, error) {
	if err := b.check(Float32); err != nil {
		return nil, err
	}
	return b.f32, nil
}

// Uint32s returns the live storage of a Uint32 buffer.
func (b *Buffer) Uint32s() ([]uint32, error) {
	if err := b.check(Uint32); err != nil {
		return nil, err
	}
	return b.u32, nil
}

// Int32s returns the live storage of an Int32 buffer.
func (b *Buffer) Int32s() ([]int32, error) {
	if err := b.check(Int32); err != nil {
		return nil, err
	}
	return b.i32, nil
}

// Zero sets every element to zero.
func (b *Buffer) Zero() error {
	if b.released {
		return fmt.Errorf("buffer %q: %w", b.name, ErrReleased)
	}
	clear(b.f32)
	clear(b.u32)
	clear(b.i32)
	return nil
}

// write copies data into the buffer; data must match kind and not exceed count.
func (b *Buffer) write(data any) error {
	if b.released {
		return fmt.Errorf("buffer %q: %w", b.name, ErrReleased)
	}
	var n int
	switch v := data.(type) {
	case []float32:
		if err := b.check(Float32); err != nil {
			return err
		}
		n = copy(b.f32, v)
		if n < len(v) {
			return fmt.Errorf("buffer %q: %d elements exceed capacity %d", b.name, len(v), b.count)
		}
	case []uint32:
		if err := b.check(Uint32); err != nil {
			return err
		}
		n = copy(b.u32, v)
		if n < len(v) {
			return fmt.Errorf("buffer %q: %d elements exceed capacity %d", b.name, len(v), b.count)
		}
	case []int32:
		if err := b.check(Int32); err != nil {
			return err
		}
		n = copy(b.i32, v)
		if n < len(v) {
			return fmt.Errorf("buffer %q: %d elements exceed capacity %d", b.name, len(v), b.count)
		}
	default:
		return fmt.Errorf("buffer %q: unsupported data type %T", b.name, data)
	}
	return nil
}
