package main

import (
	"fmt"

	"github.com/banshee-data/lightprobe/internal/fsutil"
	"github.com/banshee-data/lightprobe/internal/lighting/archive"
	"github.com/banshee-data/lightprobe/internal/security"
)

// openArchive opens a replay archive once it is confirmed to be a .zip inside
// one of allowed.
func openArchive(path string, allowed []string) (*archive.Replay, error) {
	if err := security.ValidateArchivePath(path, allowed); err != nil {
		return nil, fmt.Errorf("rejected archive path: %w", err)
	}
	return archive.OpenReplay(fsutil.OSFileSystem{}, path)
}

// checkRecordPath rejects a recorder output path that escapes dir.
func checkRecordPath(path, dir string) error {
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return fmt.Errorf("rejected record path: %w", err)
	}
	return nil
}
