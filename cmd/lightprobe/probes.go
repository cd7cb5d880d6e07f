package main

import (
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// probeSpec is one -probes entry: a world position and the baked probe slots
// its estimates overwrite.
type probeSpec struct {
	Position r3.Vec
	Baked    []int
}

// parseProbes reads "x,y,z[@b1+b2];..." into probe specs. An empty string
// yields no probes.
func parseProbes(s string) ([]probeSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []probeSpec
	for i, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pos, baked, _ := strings.Cut(entry, "@")
		parts := strings.Split(pos, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("probe %d: expected x,y,z, got %q", i, pos)
		}
		var v [3]float64
		for j, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("probe %d: %w", i, err)
			}
			v[j] = f
		}
		spec := probeSpec{Position: r3.Vec{X: v[0], Y: v[1], Z: v[2]}}
		if baked != "" {
			for _, b := range strings.Split(baked, "+") {
				n, err := strconv.Atoi(strings.TrimSpace(b))
				if err != nil || n < 0 {
					return nil, fmt.Errorf("probe %d: invalid baked slot %q", i, b)
				}
				spec.Baked = append(spec.Baked, n)
			}
		}
		out = append(out, spec)
	}
	return out, nil
}

// bakedSlots returns how many baked probe slots the parsed probes write to.
func bakedSlots(specs []probeSpec) int {
	n := 0
	for _, s := range specs {
		for _, b := range s.Baked {
			if b+1 > n {
				n = b + 1
			}
		}
	}
	return n
}
