package testutil

import (
	"net/http"
	"testing"

	"github.com/banshee-data/lightprobe/internal/monitoring"
	"github.com/stretchr/testify/assert"
)

func TestAssertStatusCode(t *testing.T) {
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
}

func TestAssertFloat32sNear(t *testing.T) {
	AssertFloat32sNear(t, []float32{1, 2, 3}, []float32{1.001, 1.999, 3}, 0.01)
}

func TestNewRandDeterministic(t *testing.T) {
	a, b := NewRand(7), NewRand(7)
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.Float64(), b.Float64())
	}
}

func TestCaptureLogs(t *testing.T) {
	logs := CaptureLogs(t)
	monitoring.Logf("[scanner] depth unavailable: %s", "warming up")
	assert.Equal(t, []string{"[scanner] depth unavailable: warming up"}, logs.Lines())
	assert.True(t, logs.Contains("warming up"))
	assert.False(t, logs.Contains("color"))
}
