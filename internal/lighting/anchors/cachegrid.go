package anchors

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// SlotsPerBucket is the fixed bucket capacity of the cache grid.
const SlotsPerBucket = 3

// ErrBucketOverflow is returned when more than SlotsPerBucket anchors fall into
// one bucket; the grid is too coarse for the anchor count.
var ErrBucketOverflow = errors.New("cache grid bucket overflow")

// CacheGrid is a G×G bucket grid over (colatitude, azimuth). Bucket (u, v)
// occupies slots [(v·G+u)·3, (v·G+u)·3+3) of the flat layout. Unused slots
// hold the sentinel N.
type CacheGrid struct {
	size  int
	dirs  []r3.Vec
	slots []uint32
}

// NewCacheGrid assigns every anchor to the first empty slot of its bucket.
func NewCacheGrid(dirs []r3.Vec, g int) (*CacheGrid, error) {
	if g < 2 {
		return nil, fmt.Errorf("cache grid size must be at least 2, got %d", g)
	}
	n := uint32(len(dirs))
	grid := &CacheGrid{size: g, dirs: dirs, slots: make([]uint32, g*g*SlotsPerBucket)}
	for i := range grid.slots {
		grid.slots[i] = n
	}
	for i, d := range dirs {
		u, v := grid.Bucket(d)
		base := (v*g + u) * SlotsPerBucket
		placed := false
		for s := 0; s < SlotsPerBucket; s++ {
			if grid.slots[base+s] == n {
				grid.slots[base+s] = uint32(i)
				placed = true
				break
			}
		}
		if !placed {
			return nil, fmt.Errorf("%w: anchor %d at bucket (%d,%d) with G=%d", ErrBucketOverflow, i, u, v, g)
		}
	}
	return grid, nil
}

// WrapCacheGrid views an uploaded G·G·3 slot array over dirs without
// rebuilding it.
func WrapCacheGrid(dirs []r3.Vec, g int, slots []uint32) (*CacheGrid, error) {
	if g < 2 || len(slots) != g*g*SlotsPerBucket {
		return nil, fmt.Errorf("cache grid: %d slots do not form a %dx%d grid", len(slots), g, g)
	}
	n := uint32(len(dirs))
	for i, s := range slots {
		if s > n {
			return nil, fmt.Errorf("cache grid: slot %d holds anchor %d of %d", i, s, n)
		}
	}
	return &CacheGrid{size: g, dirs: dirs, slots: slots}, nil
}

// AutoGridSize returns the smallest power of two at or above sqrt(πN/4) that
// holds every anchor without overflow.
func AutoGridSize(dirs []r3.Vec) (int, error) {
	g := 2
	for float64(g) < math.Sqrt(math.Pi*float64(len(dirs))/4) {
		g *= 2
	}
	for ; g <= 4096; g *= 2 {
		if _, err := NewCacheGrid(dirs, g); err == nil {
			return g, nil
		} else if !errors.Is(err, ErrBucketOverflow) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("no cache grid size up to 4096 fits %d anchors", len(dirs))
}

// Size returns G.
func (c *CacheGrid) Size() int { return c.size }

// Sentinel returns the empty-slot marker, which equals the anchor count.
func (c *CacheGrid) Sentinel() uint32 { return uint32(len(c.dirs)) }

// Flat returns the G·G·3 slot array. Callers must not modify it.
func (c *CacheGrid) Flat() []uint32 { return c.slots }

// Bucket maps a direction to its (u, v) bucket. u indexes colatitude in steps
// of π/G, v indexes azimuth in steps of 2π/G offset by G/2.
func (c *CacheGrid) Bucket(d r3.Vec) (u, v int) {
	s := ToSpherical(d)
	return c.bucketOf(s.Colatitude, s.Azimuth)
}

func (c *CacheGrid) bucketOf(colat, az float64) (int, int) {
	g := float64(c.size)
	width := 2 * math.Pi / g
	u := clampIndex(int(colat/(width/2)), c.size)
	v := clampIndex(int(math.Floor(az/width+g/2)), c.size)
	return u, v
}

// Slots returns the three slot values of bucket (u, v).
func (c *CacheGrid) Slots(u, v int) [SlotsPerBucket]uint32 {
	base := (v*c.size + u) * SlotsPerBucket
	var out [SlotsPerBucket]uint32
	copy(out[:], c.slots[base:base+SlotsPerBucket])
	return out
}

// Nearest returns the anchor with the highest cosine similarity to the unit
// direction d, with ties resolved to the lower index. The search first grows
// rings around d's bucket until any anchor turns up, then scans every bucket
// that can intersect the spherical cap bounded by that first hit, so the
// result always matches a brute-force scan.
func (c *CacheGrid) Nearest(d r3.Vec) (int, float64) {
	s := ToSpherical(d)
	u0, v0 := c.bucketOf(s.Colatitude, s.Azimuth)

	best, bestCos := -1, math.Inf(-1)
	consider := func(u, v int) {
		base := (v*c.size + u) * SlotsPerBucket
		for k := 0; k < SlotsPerBucket; k++ {
			idx := c.slots[base+k]
			if idx == c.Sentinel() {
				break
			}
			cos := r3.Dot(d, c.dirs[idx])
			if cos > bestCos || (cos == bestCos && int(idx) < best) {
				best, bestCos = int(idx), cos
			}
		}
	}

	for ring := 0; best < 0 && ring <= c.size; ring++ {
		c.visitRing(u0, v0, ring, consider)
	}

	alpha := math.Acos(math.Max(-1, math.Min(1, bestCos)))
	step := math.Pi / float64(c.size)
	uLo := clampIndex(int(math.Floor((s.Colatitude-alpha)/step))-1, c.size)
	uHi := clampIndex(int(math.Floor((s.Colatitude+alpha)/step))+1, c.size)

	fullRing := s.Colatitude-alpha <= 0 || s.Colatitude+alpha >= math.Pi
	var dPhi float64
	if !fullRing {
		ratio := math.Sin(alpha) / math.Sin(s.Colatitude)
		if ratio >= 1 {
			fullRing = true
		} else {
			dPhi = math.Asin(ratio)
		}
	}
	if fullRing {
		for u := uLo; u <= uHi; u++ {
			for v := 0; v < c.size; v++ {
				consider(u, v)
			}
		}
		return best, bestCos
	}

	width := 2 * step
	vLo := int(math.Floor((s.Azimuth-dPhi)/width+float64(c.size)/2)) - 1
	vHi := int(math.Floor((s.Azimuth+dPhi)/width+float64(c.size)/2)) + 1
	if vHi-vLo+1 >= c.size {
		vLo, vHi = 0, c.size-1
	}
	for u := uLo; u <= uHi; u++ {
		for v := vLo; v <= vHi; v++ {
			consider(u, wrap(v, c.size))
		}
	}
	return best, bestCos
}

// visitRing calls fn for every bucket at Chebyshev distance ring from
// (u0, v0). Azimuth wraps; colatitude does not. Once the ring is wider than
// the grid some buckets repeat, which is harmless for a max search.
func (c *CacheGrid) visitRing(u0, v0, ring int, fn func(u, v int)) {
	if ring == 0 {
		fn(u0, v0)
		return
	}
	visit := func(u, v int) {
		if u >= 0 && u < c.size {
			fn(u, wrap(v, c.size))
		}
	}
	for dv := -ring; dv <= ring; dv++ {
		visit(u0-ring, v0+dv)
		visit(u0+ring, v0+dv)
	}
	for du := -ring + 1; du <= ring-1; du++ {
		visit(u0+du, v0-ring)
		visit(u0+du, v0+ring)
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
