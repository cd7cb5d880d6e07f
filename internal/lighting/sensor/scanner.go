package sensor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/lightprobe/internal/monitoring"
)

// Scanner pulls scans from a DataProvider, absorbing transient failures.
type Scanner struct {
	provider DataProvider
	acquired atomic.Int64
	skipped  atomic.Int64
}

// NewScanner wraps p.
func NewScanner(p DataProvider) *Scanner {
	return &Scanner{provider: p}
}

// Provider returns the wrapped provider.
func (s *Scanner) Provider() DataProvider { return s.provider }

// Acquire returns the next scan. When the provider reports ErrUnavailable the
// failure is logged and Acquire returns (nil, nil) so the caller skips the
// tick. Other errors, such as a replay archive missing an entry, are returned.
func (s *Scanner) Acquire() (*EnvironmentScan, error) {
	depth, err := s.provider.AcquireDepth()
	if err != nil {
		return s.fail("depth", err)
	}
	color, err := s.provider.AcquireColor()
	if err != nil {
		return s.fail("color", err)
	}
	ext, err := s.provider.AcquireExtrinsic()
	if err != nil {
		return s.fail("extrinsic", err)
	}
	s.acquired.Add(1)
	return &EnvironmentScan{Color: color, Depth: depth, CameraToWorld: ext}, nil
}

func (s *Scanner) fail(what string, err error) (*EnvironmentScan, error) {
	if errors.Is(err, ErrUnavailable) {
		s.skipped.Add(1)
		monitoring.Logf("[scanner] %s unavailable, skipping tick: %v", what, err)
		return nil, nil
	}
	return nil, fmt.Errorf("acquire %s: %w", what, err)
}

// Acquired returns the number of scans delivered.
func (s *Scanner) Acquired() int64 { return s.acquired.Load() }

// Skipped returns the number of ticks skipped on transient failures.
func (s *Scanner) Skipped() int64 { return s.skipped.Load() }
