// Command archive-info summarises a recorded scan archive: the object pose,
// camera intrinsics and, per frame, the camera position, depth coverage and
// auxiliary entries.
//
// Usage:
//
//	go run ./cmd/tools/archive-info -archive recordings/03_07_2024-14_00_00.zip
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/banshee-data/lightprobe/internal/fsutil"
	"github.com/banshee-data/lightprobe/internal/lighting/archive"
	"github.com/banshee-data/lightprobe/internal/lighting/sensor"
	"github.com/banshee-data/lightprobe/internal/security"
)

func main() {
	path := flag.String("archive", "", "Path to the archive (required)")
	limit := flag.Int("frames", 0, "Only list the first N frames; 0 lists all")
	allowed := flag.String("allowed-dirs", "", "Comma-separated directories the archive may live in; defaults to recordings and the working directory")
	flag.Parse()

	if *path == "" {
		log.Fatal("Error: -archive flag is required")
	}
	if err := security.ValidateArchivePath(*path, security.SplitAllowedDirs(*allowed, "recordings", ".")); err != nil {
		log.Fatalf("Rejected archive path: %v", err)
	}
	rp, err := archive.OpenReplay(fsutil.OSFileSystem{}, *path)
	if err != nil {
		log.Fatalf("Failed to open archive: %v", err)
	}
	defer rp.Close()

	info := rp.Info()
	fmt.Printf("archive:    %s\n", *path)
	fmt.Printf("frames:     %d\n", rp.Frames())
	fmt.Printf("intrinsics: %s\n", info.Intrinsics)
	fmt.Printf("object:     pos=(%.3f, %.3f, %.3f) rot=%v\n",
		info.Pose.Position.X, info.Pose.Position.Y, info.Pose.Position.Z, info.Pose.Rotation)

	n := rp.Frames()
	if *limit > 0 && *limit < n {
		n = *limit
	}
	scanner := sensor.NewScanner(rp)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nframe\tcamera\tdepth valid\taux")
	for i := 0; i < n; i++ {
		scan, err := scanner.Acquire()
		if err != nil {
			log.Fatalf("frame %d: %v", i, err)
		}
		if scan == nil {
			fmt.Fprintf(tw, "%d\t-\t-\t-\n", i)
			continue
		}
		t := scan.CameraToWorld.Translation()
		fmt.Fprintf(tw, "%d\t(%.2f, %.2f, %.2f)\t%.1f%%\t%s\n",
			rp.Current(), t.X, t.Y, t.Z, 100*validFraction(scan.Depth), strings.Join(rp.AuxNames(), ","))
		scan.Release()
	}
	tw.Flush()
}

func validFraction(d *sensor.DepthImage) float64 {
	if d == nil || d.Width*d.Height == 0 {
		return 0
	}
	valid := 0
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			if _, ok := d.Sample(x, y); ok {
				valid++
			}
		}
	}
	return float64(valid) / float64(d.Width*d.Height)
}
