package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	Logf("[scanner] skipped frame %d", 3)
	assert.Equal(t, []string{"[scanner] skipped frame 3"}, lines)

	SetLogger(nil)
	Logf("muted")
	assert.Len(t, lines, 1, "nil logger must not forward")
}

func TestDebugf(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetDebug(false)
	}()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	SetDebug(false)
	Debugf("stage %s took %dms", "reduce", 4)
	assert.Empty(t, lines)
	assert.False(t, DebugEnabled())

	SetDebug(true)
	Debugf("stage %s took %dms", "reduce", 4)
	assert.Equal(t, []string{"[debug] stage reduce took 4ms"}, lines)
	assert.True(t, DebugEnabled())
}
