package compute

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

type kernel struct {
	fn       KernelFunc
	buffers  map[string]*Buffer
	textures map[string]any
}

// CPUDevice runs kernels as Go functions. Kernels parallelise their own work
// with Invocation.Parallel, which fans out over a bounded errgroup.
type CPUDevice struct {
	mu       sync.Mutex
	workers  int
	buffers  map[string]*Buffer
	kernels  map[string]*kernel
	floats   map[string][]float32
	ints     map[string][]int32
	released bool
}

// NewCPUDevice creates a device using workers goroutines per dispatch; 0 uses
// GOMAXPROCS.
func NewCPUDevice(workers int) *CPUDevice {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &CPUDevice{
		workers: workers,
		buffers: make(map[string]*Buffer),
		kernels: make(map[string]*kernel),
		floats:  make(map[string][]float32),
		ints:    make(map[string][]int32),
	}
}

// Workers returns the per-dispatch parallelism.
func (d *CPUDevice) Workers() int { return d.workers }

func (d *CPUDevice) live() error {
	if d.released {
		return fmt.Errorf("device: %w", ErrReleased)
	}
	return nil
}

func (d *CPUDevice) MakeBuffer(name string, kind Kind, count int) (*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.live(); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("buffer %q: negative count %d", name, count)
	}
	if old, ok := d.buffers[name]; ok {
		old.Release()
	}
	b := newBuffer(name, kind, count)
	d.buffers[name] = b
	return b, nil
}

func (d *CPUDevice) NewBuffer(name string, kind Kind, count int) *Buffer {
	return newBuffer(name, kind, count)
}

func (d *CPUDevice) Buffer(name string) (*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.live(); err != nil {
		return nil, err
	}
	b, ok := d.buffers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBuffer, name)
	}
	return b, nil
}

func (d *CPUDevice) Write(name string, data any) error {
	b, err := d.Buffer(name)
	if err != nil {
		return err
	}
	return b.write(data)
}

func (d *CPUDevice) MakeKernel(name string, fn KernelFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.live(); err != nil {
		return err
	}
	d.kernels[name] = &kernel{fn: fn, buffers: make(map[string]*Buffer), textures: make(map[string]any)}
	return nil
}

func (d *CPUDevice) kernel(name string) (*kernel, error) {
	if err := d.live(); err != nil {
		return nil, err
	}
	k, ok := d.kernels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKernel, name)
	}
	return k, nil
}

func (d *CPUDevice) Bind(kernelName, buffer string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, err := d.kernel(kernelName)
	if err != nil {
		return err
	}
	b, ok := d.buffers[buffer]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBuffer, buffer)
	}
	k.buffers[buffer] = b
	return nil
}

func (d *CPUDevice) BindExternal(kernelName, slot string, buf *Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, err := d.kernel(kernelName)
	if err != nil {
		return err
	}
	if buf == nil || buf.Released() {
		return fmt.Errorf("bind %s.%s: %w", kernelName, slot, ErrReleased)
	}
	k.buffers[slot] = buf
	return nil
}

func (d *CPUDevice) BindTexture(kernelName, slot string, tex any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, err := d.kernel(kernelName)
	if err != nil {
		return err
	}
	k.textures[slot] = tex
	return nil
}

func (d *CPUDevice) SetFloats(name string, v ...float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.floats[name] = append([]float32(nil), v...)
}

func (d *CPUDevice) SetInts(name string, v ...int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ints[name] = append([]int32(nil), v...)
}

// Dispatch runs the kernel once with a snapshot of its bindings and the
// current uniforms.
func (d *CPUDevice) Dispatch(ctx context.Context, kernelName string, groups Groups) error {
	d.mu.Lock()
	k, err := d.kernel(kernelName)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	inv := &Invocation{
		Kernel:   kernelName,
		Groups:   groups,
		workers:  d.workers,
		buffers:  make(map[string]*Buffer, len(k.buffers)),
		textures: make(map[string]any, len(k.textures)),
		floats:   make(map[string][]float32, len(d.floats)),
		ints:     make(map[string][]int32, len(d.ints)),
	}
	for s, b := range k.buffers {
		inv.buffers[s] = b
	}
	for s, t := range k.textures {
		inv.textures[s] = t
	}
	for n, v := range d.floats {
		inv.floats[n] = v
	}
	for n, v := range d.ints {
		inv.ints[n] = v
	}
	fn := k.fn
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, inv); err != nil {
		return fmt.Errorf("kernel %s: %w", kernelName, err)
	}
	return nil
}

// Release frees every registered buffer. Further use of the device fails
// with ErrReleased.
func (d *CPUDevice) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil
	}
	for _, b := range d.buffers {
		b.Release()
	}
	d.buffers = nil
	d.kernels = nil
	d.released = true
	return nil
}

// Invocation is a kernel's view of its bindings for one dispatch.
type Invocation struct {
	Kernel   string
	Groups   Groups
	workers  int
	buffers  map[string]*Buffer
	textures map[string]any
	floats   map[string][]float32
	ints     map[string][]int32
}

// Buffer returns the buffer bound to slot.
func (inv *Invocation) Buffer(slot string) (*Buffer, error) {
	b, ok := inv.buffers[slot]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnbound, slot)
	}
	if b.Released() {
		return nil, fmt.Errorf("slot %s: %w", slot, ErrReleased)
	}
	return b, nil
}

func (inv *Invocation) Float32s(slot string) ([]float32, error) {
	b, err := inv.Buffer(slot)
	if err != nil {
		return nil, err
	}
	return b.Float32s()
}

func (inv *Invocation) Uint32s(slot string) ([]uint32, error) {
	b, err := inv.Buffer(slot)
	if err != nil {
		return nil, err
	}
	return b.Uint32s()
}

func (inv *Invocation) Int32s(slot string) ([]int32, error) {
	b, err := inv.Buffer(slot)
	if err != nil {
		return nil, err
	}
	return b.Int32s()
}

// Texture returns the host image bound to slot.
func (inv *Invocation) Texture(slot string) (any, error) {
	t, ok := inv.textures[slot]
	if !ok || t == nil {
		return nil, fmt.Errorf("%w: texture %s", ErrUnbound, slot)
	}
	return t, nil
}

// Floats returns a float uniform.
func (inv *Invocation) Floats(name string) ([]float32, error) {
	v, ok := inv.floats[name]
	if !ok {
		return nil, fmt.Errorf("%w: uniform %s", ErrUnbound, name)
	}
	return v, nil
}

// Ints returns an int uniform.
func (inv *Invocation) Ints(name string) ([]int32, error) {
	v, ok := inv.ints[name]
	if !ok {
		return nil, fmt.Errorf("%w: uniform %s", ErrUnbound, name)
	}
	return v, nil
}

// Parallel splits [0, n) into contiguous chunks, one per worker, and runs fn
// on each concurrently. Chunk boundaries depend only on n and the worker
// count, so kernels that reduce per chunk and merge in chunk order produce
// identical results on every run.
func (inv *Invocation) Parallel(ctx context.Context, n int, fn func(chunk, lo, hi int) error) error {
	chunks := Chunks(n, inv.workers)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(inv.workers)
	for i, c := range chunks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(i, c[0], c[1])
		})
	}
	return g.Wait()
}

// NumChunks returns how many chunks Parallel will produce for n items.
func (inv *Invocation) NumChunks(n int) int {
	return len(Chunks(n, inv.workers))
}

// Chunks splits [0, n) into at most parts contiguous half-open ranges.
func Chunks(n, parts int) [][2]int {
	if n <= 0 {
		return nil
	}
	if parts < 1 {
		parts = 1
	}
	if parts > n {
		parts = n
	}
	out := make([][2]int, 0, parts)
	size, rem := n/parts, n%parts
	lo := 0
	for i := 0; i < parts; i++ {
		hi := lo + size
		if i < rem {
			hi++
		}
		out = append(out, [2]int{lo, hi})
		lo = hi
	}
	return out
}
