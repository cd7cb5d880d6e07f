package probebuf

import (
	"fmt"
	"math"
)

// Graph is the neighbour structure the decision pools over.
type Graph interface {
	Len() int
	Neighbors(i int) []uint32
}

// FlatGraph is a Graph stored as K neighbour indices per anchor, the layout
// a pooling graph has once uploaded to a device buffer.
type FlatGraph struct {
	K    int
	Data []uint32
}

func (g FlatGraph) Len() int {
	if g.K <= 0 {
		return 0
	}
	return len(g.Data) / g.K
}

func (g FlatGraph) Neighbors(i int) []uint32 { return g.Data[i*g.K : (i+1)*g.K] }

// TriggerPolicy sets how much new information a probe needs before another
// estimation is worth paying for.
type TriggerPolicy struct {
	// MinUncoveredNeighbors is how many of an anchor's pooling neighbours must
	// still be empty in the persistent buffer for a newly covered anchor to
	// count. Isolated single-anchor holes therefore do not trigger.
	MinUncoveredNeighbors int
	// ColorThreshold is the L1 RGB distance beyond which a covered anchor
	// counts as changed.
	ColorThreshold float32
	// MinChangedNeighbors is how many neighbours must also have changed for a
	// changed anchor to count, which suppresses per-pixel noise.
	MinChangedNeighbors int
}

// DefaultTriggerPolicy matches the shipped configuration defaults.
func DefaultTriggerPolicy() TriggerPolicy {
	return TriggerPolicy{MinUncoveredNeighbors: 2, ColorThreshold: 0.15, MinChangedNeighbors: 1}
}

// Decision is the outcome of one decision pass.
type Decision struct {
	Fire bool
	// Counter is Novel + Changed; Fire is Counter > 0.
	Counter int
	Novel   int
	Changed int
}

// Decide compares temp against persist anchor by anchor. An anchor counts as
// novel when it is covered in temp, empty in persist and enough of its
// neighbours are empty in persist. It counts as changed when both buffers
// cover it, the colour moved beyond the threshold and enough neighbours moved
// too. The result depends only on the arguments.
func Decide(temp, persist Buffer, graph Graph, policy TriggerPolicy) (Decision, error) {
	if len(temp) != len(persist) || len(temp) != graph.Len() {
		return Decision{}, fmt.Errorf("decision length mismatch: temp %d, persist %d, graph %d", len(temp), len(persist), graph.Len())
	}

	var d Decision
	for i := range temp {
		t, p := temp[i], persist[i]
		switch {
		case t.Covered() && !p.Covered():
			uncovered := 0
			for _, j := range graph.Neighbors(i) {
				if !persist[j].Covered() {
					uncovered++
				}
			}
			if uncovered >= policy.MinUncoveredNeighbors {
				d.Novel++
			}
		case t.Covered() && p.Covered() && colorDistance(t, p) > policy.ColorThreshold:
			changed := 0
			for _, j := range graph.Neighbors(i) {
				tj, pj := temp[j], persist[j]
				if tj.Covered() && pj.Covered() && colorDistance(tj, pj) > policy.ColorThreshold {
					changed++
				}
			}
			if changed >= policy.MinChangedNeighbors {
				d.Changed++
			}
		}
	}
	d.Counter = d.Novel + d.Changed
	d.Fire = d.Counter > 0
	return d, nil
}

func colorDistance(a, b Record) float32 {
	return float32(math.Abs(float64(a.R-b.R)) + math.Abs(float64(a.G-b.G)) + math.Abs(float64(a.B-b.B)))
}
