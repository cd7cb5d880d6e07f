package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	t.Parallel()
	safe := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(safe, "recordings"), 0o755))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing dir", filepath.Join(safe, "recordings"), false},
		{"new file", filepath.Join(safe, "recordings", "new.zip"), false},
		{"dot dot escape", filepath.Join(safe, "..", "elsewhere.zip"), true},
		{"absolute outside", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, safe)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathRejectsSymlinkEscape(t *testing.T) {
	t.Parallel()
	safe := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(safe, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(link, "capture.zip"), safe))
}

func TestValidateArchivePath(t *testing.T) {
	t.Parallel()
	safe := t.TempDir()
	assert.NoError(t, ValidateArchivePath(filepath.Join(safe, "s.zip"), []string{safe}))
	assert.NoError(t, ValidateArchivePath(filepath.Join(safe, "S.ZIP"), []string{t.TempDir(), safe}))

	err := ValidateArchivePath(filepath.Join(safe, "s.tar"), []string{safe})
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".zip")

	assert.Error(t, ValidateArchivePath(filepath.Join(safe, "s.zip"), nil))
	assert.Error(t, ValidateArchivePath("/tmp/../etc/s.zip", []string{safe}))
}

func TestSplitAllowedDirs(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"recordings", "."}, SplitAllowedDirs("", "recordings", "."))
	assert.Equal(t, []string{"recordings", "."}, SplitAllowedDirs(" , ", "recordings", "."))
	assert.Equal(t, []string{"/data/a", "b"}, SplitAllowedDirs("/data/a, b,", "recordings"))
	assert.Nil(t, SplitAllowedDirs(""))
}

func TestSanitizeEntryName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"cameraTransform":     "cameraTransform",
		"point-cloud.persist": "point-cloud.persist",
		"../../etc/passwd":    "etc_passwd",
		"a b\tc":              "a_b_c",
		"":                    "unnamed",
		"...":                 "unnamed",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeEntryName(in), "input %q", in)
	}
	assert.Len(t, SanitizeEntryName(strings.Repeat("x", 200)), 64)
}
