package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lightprobe/internal/lighting/codec"
	"github.com/banshee-data/lightprobe/internal/lighting/probebuf"
	"github.com/banshee-data/lightprobe/internal/lighting/sh"
	"github.com/banshee-data/lightprobe/internal/lighting/storage/sqlite"
)

// Estimate is one completed lighting estimation for a probe.
type Estimate struct {
	ProbeID      uuid.UUID
	Position     r3.Vec
	BakedProbes  []int
	Coefficients sh.Coefficients
	Decision     probebuf.Decision
	Stats        codec.Stats
	Forced       bool
	Latency      time.Duration
	At           time.Time
	// Trigger is the controller's lifetime estimate count, this one included.
	Trigger int64
}

// Sink receives estimates as they complete.
type Sink interface {
	Publish(ctx context.Context, est Estimate) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, est Estimate) error

func (f SinkFunc) Publish(ctx context.Context, est Estimate) error { return f(ctx, est) }

// MultiSink publishes to every sink in order; one failing sink does not stop
// the others.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, est Estimate) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, est); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BakedProbeSink holds the coefficient table of a scene's baked light probes.
// Coefficient c of band b goes to slot c*9+b of each probe listed in the
// estimate's BakedProbes.
type BakedProbeSink struct {
	mu     sync.RWMutex
	probes []sh.Coefficients
	writes []int
}

// NewBakedProbeSink allocates count zeroed baked probes.
func NewBakedProbeSink(count int) *BakedProbeSink {
	return &BakedProbeSink{probes: make([]sh.Coefficients, count), writes: make([]int, count)}
}

func (s *BakedProbeSink) Publish(_ context.Context, est Estimate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range est.BakedProbes {
		if i < 0 || i >= len(s.probes) {
			return fmt.Errorf("baked probe %d out of range [0, %d)", i, len(s.probes))
		}
	}
	for _, i := range est.BakedProbes {
		for c := 0; c < sh.NumChannels; c++ {
			for b := 0; b < sh.NumBasis; b++ {
				s.probes[i][c*sh.NumBasis+b] = est.Coefficients.At(c, b)
			}
		}
		s.writes[i]++
	}
	return nil
}

// Probe returns the coefficients of baked probe i.
func (s *BakedProbeSink) Probe(i int) (sh.Coefficients, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.probes) {
		return sh.Coefficients{}, false
	}
	return s.probes[i], true
}

// Writes returns how many estimates have landed on baked probe i.
func (s *BakedProbeSink) Writes(i int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.writes) {
		return 0
	}
	return s.writes[i]
}

// StoreSink records estimates in the SQLite history.
type StoreSink struct {
	Store *sqlite.Store
}

func (s StoreSink) Publish(ctx context.Context, est Estimate) error {
	return s.Store.RecordEstimate(ctx, sqlite.EstimateRecord{
		ProbeID:      est.ProbeID.String(),
		X:            est.Position.X,
		Y:            est.Position.Y,
		Z:            est.Position.Z,
		Coefficients: est.Coefficients[:],
		Novel:        est.Decision.Novel,
		Changed:      est.Decision.Changed,
		Forced:       est.Forced,
		Encoded:      est.Stats.Encoded,
		PayloadBytes: est.Stats.Bytes,
		Latency:      est.Latency,
		CreatedAt:    est.At,
	})
}
