// Command lightprobe runs the light-probe estimation pipeline against a
// simulated sensor or a recorded archive, or records a new archive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lightprobe/internal/config"
	"github.com/banshee-data/lightprobe/internal/fsutil"
	"github.com/banshee-data/lightprobe/internal/httputil"
	"github.com/banshee-data/lightprobe/internal/lighting/archive"
	"github.com/banshee-data/lightprobe/internal/lighting/inference"
	"github.com/banshee-data/lightprobe/internal/lighting/monitor"
	"github.com/banshee-data/lightprobe/internal/lighting/pipeline"
	"github.com/banshee-data/lightprobe/internal/lighting/sensor"
	"github.com/banshee-data/lightprobe/internal/lighting/storage/sqlite"
	"github.com/banshee-data/lightprobe/internal/monitoring"
	"github.com/banshee-data/lightprobe/internal/security"
	"github.com/banshee-data/lightprobe/internal/timeutil"
	"github.com/banshee-data/lightprobe/internal/version"
)

var (
	mode           = flag.String("mode", "simulate", "Run mode: simulate, replay or record")
	configFile     = flag.String("config", config.DefaultConfigPath, "Path to the estimation config JSON")
	archivePath    = flag.String("archive", "", "Archive to play back (replay mode)")
	recordDir      = flag.String("record-dir", "recordings", "Directory for new archives (record mode)")
	allowedDirs    = flag.String("allowed-dirs", "", "Comma-separated directories replay archives may be read from; defaults to -record-dir and the working directory")
	frames         = flag.Int("frames", 0, "Frames to process; 0 runs until interrupted (record mode defaults to 120)")
	replayInterval = flag.Duration("replay-interval", 0, "Pace replay frames; 0 uses the config tick interval, negative runs back to back")
	listen         = flag.String("listen", ":8090", "Monitor HTTP listen address; empty disables")
	dbFile         = flag.String("db", "lightprobe.db", "Path to the SQLite history database; empty disables")
	inferenceURL   = flag.String("inference-url", "", "Override the config inference_url")
	localEstimator = flag.Bool("local-estimator", false, "Run the reference estimation service in-process")
	probes         = flag.String("probes", "0,1.4,0@0", "Probes as x,y,z[@slot+slot];...")
	plotDir        = flag.String("plot-dir", "", "Write coverage plots under this directory when the run ends")
	hold           = flag.Bool("hold", false, "Keep serving the monitor after a finite run ends")
	debug          = flag.Bool("debug", false, "Enable debug logging")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("lightprobe", version.String())
		return
	}

	ec, err := config.LoadEstimationConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	monitoring.SetDebug(*debug || ec.GetDebug())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *mode == "record" {
		n := *frames
		if n <= 0 {
			n = 120
		}
		path, err := record(ctx, n, ec.GetTickInterval())
		if err != nil {
			log.Fatalf("record failed: %v", err)
		}
		log.Printf("recorded %d frames to %s", n, path)
		return
	}

	cfg, err := pipeline.ConfigFromEstimation(ec)
	if err != nil {
		log.Fatalf("invalid estimation config: %v", err)
	}
	cfg.Clock = timeutil.RealClock{}

	var (
		replay *archive.Replay
		source string
	)
	switch *mode {
	case "simulate":
		cfg.Provider = sensor.NewSimulatedProvider(sensor.DefaultSimulatedConfig())
		source = "simulated"
	case "replay":
		if *archivePath == "" {
			log.Fatalf("replay mode requires -archive")
		}
		replay, err = openArchive(*archivePath, security.SplitAllowedDirs(*allowedDirs, *recordDir, "."))
		if err != nil {
			log.Fatalf("failed to open archive: %v", err)
		}
		defer replay.Close()
		cfg.Provider = replay
		source = *archivePath
		log.Printf("replaying %s: %d frames", *archivePath, replay.Frames())
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	url := ec.GetInferenceURL()
	if *inferenceURL != "" {
		url = *inferenceURL
	}
	if *localEstimator {
		srv, addr, err := startLocalEstimator()
		if err != nil {
			log.Fatalf("failed to start local estimator: %v", err)
		}
		defer srv.Close()
		url = "http://" + addr + inference.DefaultPrefix
		log.Printf("reference estimation service on %s", url)
	}
	if url != "" {
		client := inference.NewClient(httputil.NewStandardClient(ec.GetRequestTimeout()), inference.Config{
			BaseURL:    url,
			AnchorSize: cfg.Sphere.Len(),
			MaxRetries: ec.GetMaxRetries(),
			BaseDelay:  ec.GetRetryBaseDelay(),
		})
		cfg.Estimator = client
		if ec.GetDebug() {
			cfg.Dumper = client
		}
	} else {
		log.Printf("no estimation service configured; triggers will not produce estimates")
	}

	specs, err := parseProbes(*probes)
	if err != nil {
		log.Fatalf("invalid -probes: %v", err)
	}
	baked := pipeline.NewBakedProbeSink(bakedSlots(specs))
	sinks := pipeline.MultiSink{baked, pipeline.SinkFunc(logEstimate)}

	var store *sqlite.Store
	if *dbFile != "" {
		store, err = sqlite.Open(*dbFile)
		if err != nil {
			log.Fatalf("failed to open history database: %v", err)
		}
		defer store.Close()
		sinks = append(sinks, pipeline.StoreSink{Store: store})

		sessionID := uuid.NewString()
		if err := store.StartSession(ctx, sqlite.Session{
			ID:         sessionID,
			Mode:       *mode,
			Source:     source,
			NumAnchors: cfg.Sphere.Len(),
		}); err != nil {
			log.Fatalf("failed to record session: %v", err)
		}
		defer func() {
			if err := store.EndSession(context.Background(), sessionID, time.Now()); err != nil {
				log.Printf("failed to close session: %v", err)
			}
		}()
	}
	cfg.Sink = sinks

	ctl, err := pipeline.NewController(cfg)
	if err != nil {
		log.Fatalf("failed to create controller: %v", err)
	}
	for _, s := range specs {
		p, err := ctl.PlaceProbe(s.Position, s.Baked...)
		if err != nil {
			log.Fatalf("failed to place probe: %v", err)
		}
		log.Printf("probe %s at (%.2f, %.2f, %.2f) baked=%v", p.ID, s.Position.X, s.Position.Y, s.Position.Z, s.Baked)
	}

	var plotter *monitor.CoveragePlotter
	if *plotDir != "" {
		plotter = monitor.NewCoveragePlotter()
		if err := plotter.Start(filepath.Join(*plotDir, time.Now().Format("20060102_150405"))); err != nil {
			log.Fatalf("failed to start plotter: %v", err)
		}
	}

	var wg sync.WaitGroup

	if *listen != "" {
		ws, err := monitor.NewWebServer(monitor.WebServerConfig{Address: *listen, Controller: ctl, Store: store})
		if err != nil {
			log.Fatalf("failed to create monitor: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(ctx); err != nil {
				log.Printf("monitor server error: %v", err)
			}
		}()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	if plotter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(ec.GetTickInterval())
			defer t.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-t.C:
					plotter.Sample(ctl)
				}
			}
		}()
	}

	finite := replay != nil || *frames > 0
	if err := run(runCtx, ctl, replay, ec.GetTickInterval()); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("run stopped: %v", err)
	}
	cancelRun()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ctl.Close(closeCtx); err != nil {
		log.Printf("controller close: %v", err)
	}
	cancelClose()

	st := ctl.Stats()
	log.Printf("ticks=%d scans=%d fired=%d forced=%d estimates=%d failures=%d dropped=%d",
		st.Ticks, st.Scans, st.Fired, st.Forced, st.Triggers, st.Failures, st.Dropped)
	for i := 0; i < bakedSlots(specs); i++ {
		log.Printf("baked probe %d: %d writes", i, baked.Writes(i))
	}

	if plotter != nil {
		plotter.Sample(ctl)
		plotter.Stop()
		n, err := plotter.GeneratePlots(ctl.Sphere())
		if err != nil {
			log.Printf("plot generation failed: %v", err)
		} else {
			log.Printf("wrote %d plots", n)
		}
	}

	if finite && *hold && *listen != "" && ctx.Err() == nil {
		log.Printf("run finished; serving monitor on %s until interrupted", *listen)
		<-ctx.Done()
	}
	stop()
	wg.Wait()
}

// run drives the controller until the source is exhausted or ctx ends.
func run(ctx context.Context, ctl *pipeline.Controller, replay *archive.Replay, tick time.Duration) error {
	interval := tick
	if *replayInterval > 0 {
		interval = *replayInterval
	} else if *replayInterval < 0 {
		interval = 0
	}
	switch {
	case replay != nil:
		pb := pipeline.NewPlayback(ctl, replay.Frames(), nil)
		return pb.Run(ctx, timeutil.RealClock{}, interval)
	case *frames > 0:
		pb := pipeline.NewPlayback(ctl, *frames, nil)
		return pb.Run(ctx, timeutil.RealClock{}, interval)
	default:
		return ctl.Run(ctx)
	}
}

func logEstimate(_ context.Context, est pipeline.Estimate) error {
	log.Printf("[estimate] #%d probe=%s novel=%d changed=%d forced=%v payload=%dB latency=%v L0=(%.3f, %.3f, %.3f)",
		est.Trigger, est.ProbeID, est.Decision.Novel, est.Decision.Changed, est.Forced,
		est.Stats.Bytes, est.Latency.Round(time.Millisecond),
		est.Coefficients.At(0, 0), est.Coefficients.At(1, 0), est.Coefficients.At(2, 0))
	return nil
}

// record writes n simulated frames to a new archive under -record-dir.
func record(ctx context.Context, n int, interval time.Duration) (string, error) {
	provider := sensor.NewSimulatedProvider(sensor.DefaultSimulatedConfig())
	rec, err := archive.NewRecorder(provider, fsutil.OSFileSystem{}, *recordDir, timeutil.RealClock{})
	if err != nil {
		return "", err
	}
	path, err := rec.Start(archive.IdentityPose())
	if err != nil {
		return "", err
	}
	if err := checkRecordPath(path, *recordDir); err != nil {
		_ = rec.Stop()
		return path, err
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for rec.Frames() < n {
		select {
		case <-ctx.Done():
			log.Printf("interrupted after %d frames", rec.Frames())
			return path, rec.Stop()
		case <-t.C:
		}
		if _, err := rec.Update(); err != nil {
			_ = rec.Stop()
			return path, err
		}
		if rec.Frames() == 1 {
			if err := rec.SaveAuxText("source", "simulated "+version.String()); err != nil {
				_ = rec.Stop()
				return path, err
			}
		}
	}
	return path, rec.Stop()
}

// startLocalEstimator serves the reference estimation service on a loopback
// port and returns its address.
func startLocalEstimator() (*http.Server, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	srv := &http.Server{
		Handler:           inference.NewServer(inference.ServerConfig{}).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("local estimator: %v", err)
		}
	}()
	return srv, ln.Addr().String(), nil
}
