// Command estimation-server runs the reference lighting estimation service.
//
// The service decodes anchor payloads and projects them onto band-2 SH rather
// than running a learned model, which is enough to exercise the pipeline end
// to end.
//
// Usage:
//
//	go run ./cmd/tools/estimation-server [flags]
//
// Flags:
//
//	-addr      Listen address (default: localhost:8550)
//	-prefix    Route prefix (default: /api/v2)
//	-dump-dir  Directory for debug dumps; empty discards them
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/lightprobe/internal/fsutil"
	"github.com/banshee-data/lightprobe/internal/lighting/inference"
	"github.com/banshee-data/lightprobe/internal/version"
)

func main() {
	addr := flag.String("addr", "localhost:8550", "Listen address")
	prefix := flag.String("prefix", inference.DefaultPrefix, "Route prefix")
	dumpDir := flag.String("dump-dir", "", "Directory for debug dumps; empty discards them")
	flag.Parse()

	cfg := inference.ServerConfig{Prefix: *prefix}
	if *dumpDir != "" {
		cfg.FS = fsutil.OSFileSystem{}
		cfg.DumpDir = *dumpDir
	}
	svc := inference.NewServer(cfg)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("estimation service %s listening on http://%s%s", version.String(), *addr, *prefix)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Printf("served %d sessions", svc.Sessions())
}
