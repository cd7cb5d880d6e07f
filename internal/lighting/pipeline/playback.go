package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/lightprobe/internal/monitoring"
	"github.com/banshee-data/lightprobe/internal/timeutil"
)

// Playback drives a controller over a finite recording: one tick per frame,
// stopping cleanly once every frame has been consumed.
type Playback struct {
	ctl      *Controller
	total    int
	left     int
	onFinish func()
}

// NewPlayback plays frames ticks on ctl. onFinish, when set, runs once after
// the last frame.
func NewPlayback(ctl *Controller, frames int, onFinish func()) *Playback {
	return &Playback{ctl: ctl, total: frames, left: frames, onFinish: onFinish}
}

// FramesLeft returns how many frames are still to be played.
func (p *Playback) FramesLeft() int { return p.left }

// Finished reports whether every frame has been played.
func (p *Playback) Finished() bool { return p.left == 0 }

// Step ticks the controller once and reports whether frames remain. A tick
// that did not run because the controller is disabled consumes no frame and
// returns ErrDisabled.
func (p *Playback) Step(ctx context.Context) (bool, error) {
	if p.left <= 0 {
		return false, nil
	}
	report, err := p.ctl.Tick(ctx)
	if !report.Attempted {
		if err == nil {
			err = ErrDisabled
		}
		return true, err
	}
	p.left--
	if p.left == 0 {
		monitoring.Logf("[playback] all %d frames played", p.total)
		if p.onFinish != nil {
			p.onFinish()
		}
	}
	return p.left > 0, err
}

// Run steps until the recording ends, ctx is cancelled or acquisition fails.
// With a positive interval frames are paced on clock; otherwise they run back
// to back.
func (p *Playback) Run(ctx context.Context, clock timeutil.Clock, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		if clock == nil {
			clock = timeutil.RealClock{}
		}
		t := clock.NewTicker(interval)
		defer t.Stop()
		tick = t.C()
	}
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}
		more, err := p.Step(ctx)
		if err != nil {
			if errors.Is(err, ErrAcquire) || errors.Is(err, ErrControllerClosed) {
				return err
			}
			if errors.Is(err, ErrDisabled) {
				if tick == nil {
					return err
				}
				continue
			}
			monitoring.Logf("[playback] tick: %v", err)
		}
		if !more {
			return nil
		}
	}
}
