package pipeline

import (
	"errors"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lightprobe/internal/lighting/compute"
	"github.com/banshee-data/lightprobe/internal/lighting/probebuf"
)

// ErrProbeDisposed is returned when a removed probe is used.
var ErrProbeDisposed = errors.New("light probe disposed")

// LightProbe is a world-space point whose lighting is estimated. It owns two
// device buffers: the temporary buffer accumulates samples every frame, the
// persistent buffer holds what has been sent for estimation. Only the
// controller touches the buffers; read them through Controller.ProbeBuffers.
type LightProbe struct {
	ID       uuid.UUID
	position r3.Vec
	// BakedProbes lists the baked probe slots this probe's estimates drive.
	BakedProbes []int

	temporary  *compute.Buffer
	persistent *compute.Buffer
}

func newProbe(dev compute.Device, n int, pos r3.Vec, baked []int) *LightProbe {
	id := uuid.New()
	return &LightProbe{
		ID:          id,
		position:    pos,
		BakedProbes: append([]int(nil), baked...),
		temporary:   dev.NewBuffer("probe_"+id.String()+"_temporary", compute.Float32, n*4),
		persistent:  dev.NewBuffer("probe_"+id.String()+"_persistent", compute.Float32, n*4),
	}
}

func snapshot(b *compute.Buffer) (probebuf.Buffer, error) {
	if b == nil || b.Released() {
		return nil, ErrProbeDisposed
	}
	f, err := b.Float32s()
	if err != nil {
		return nil, err
	}
	return probebuf.FromFloat32s(f)
}

// Position returns the probe's world position, fixed at placement.
func (p *LightProbe) Position() r3.Vec { return p.position }

func (p *LightProbe) temporarySnapshot() (probebuf.Buffer, error) { return snapshot(p.temporary) }

func (p *LightProbe) persistentSnapshot() (probebuf.Buffer, error) { return snapshot(p.persistent) }

// Disposed reports whether Dispose has run.
func (p *LightProbe) Disposed() bool {
	return p.temporary == nil || p.temporary.Released()
}

// Dispose releases both buffers. Calling it twice is a no-op.
func (p *LightProbe) Dispose() {
	if p.temporary != nil {
		p.temporary.Release()
	}
	if p.persistent != nil {
		p.persistent.Release()
	}
}
