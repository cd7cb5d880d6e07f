package anchors

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// PoolingGraph holds, for each anchor, the k other anchors of highest cosine
// similarity in descending order. Equal scores keep scan order.
type PoolingGraph struct {
	k         int
	neighbors []uint32
}

// NewPoolingGraph scores every pair of anchors and keeps the top k per anchor.
// The sort is stable over a candidate window of max(window, k) entries, so
// which of several equally similar anchors make the cut depends only on scan
// order.
func NewPoolingGraph(dirs []r3.Vec, k, window int) (*PoolingGraph, error) {
	n := len(dirs)
	if k < 1 || k >= n {
		return nil, fmt.Errorf("pooling neighbors must be in [1, %d), got %d", n, k)
	}
	if window < k {
		window = k
	}
	if window > n-1 {
		window = n - 1
	}

	g := &PoolingGraph{k: k, neighbors: make([]uint32, 0, n*k)}
	type scored struct {
		idx int
		cos float64
	}
	candidates := make([]scored, 0, n-1)
	for i := range dirs {
		candidates = candidates[:0]
		for j := range dirs {
			if j != i {
				candidates = append(candidates, scored{idx: j, cos: r3.Dot(dirs[i], dirs[j])})
			}
		}
		sort.SliceStable(candidates, func(a, b int) bool {
			return candidates[a].cos > candidates[b].cos
		})
		for _, c := range candidates[:window][:k] {
			g.neighbors = append(g.neighbors, uint32(c.idx))
		}
	}
	return g, nil
}

// K returns the neighbor count per anchor.
func (g *PoolingGraph) K() int { return g.k }

// Len returns the number of anchors in the graph.
func (g *PoolingGraph) Len() int { return len(g.neighbors) / g.k }

// Neighbors returns anchor i's neighbor list. Callers must not modify it.
func (g *PoolingGraph) Neighbors(i int) []uint32 {
	return g.neighbors[i*g.k : (i+1)*g.k]
}

// Flat returns the N·k neighbor array for device upload.
func (g *PoolingGraph) Flat() []uint32 { return g.neighbors }
