package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMockClockAfterAdvancesTime(t *testing.T) {
	t.Parallel()
	c := NewMockClock(epoch)
	first := <-c.After(200 * time.Millisecond)
	<-c.After(400 * time.Millisecond)

	assert.Equal(t, epoch.Add(200*time.Millisecond), first)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, c.Waits())
	assert.Equal(t, 600*time.Millisecond, c.Since(epoch))
}

func TestMockTickerFiresOnAdvance(t *testing.T) {
	t.Parallel()
	c := NewMockClock(epoch)
	tk := c.NewTicker(100 * time.Millisecond)

	created := <-c.Created()
	require.Same(t, tk, Ticker(created))

	c.Advance(50 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(50 * time.Millisecond)
	select {
	case got := <-tk.C():
		assert.Equal(t, epoch.Add(100*time.Millisecond), got)
	default:
		t.Fatal("ticker did not fire")
	}

	tk.Stop()
	assert.True(t, created.Stopped())
	c.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestRealClock(t *testing.T) {
	t.Parallel()
	var c Clock = RealClock{}
	start := c.Now()
	tk := c.NewTicker(time.Millisecond)
	defer tk.Stop()
	<-tk.C()
	assert.Greater(t, c.Since(start), time.Duration(0))
}
