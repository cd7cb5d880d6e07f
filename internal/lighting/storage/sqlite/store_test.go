package sqlite

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesMigrationsAndPragmas(t *testing.T) {
	s := openTestStore(t)

	version, dirty, err := s.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("Expected version 2 clean, got %d dirty=%v", version, dirty)
	}

	var journalMode string
	if err := s.DB().QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}
	var busyTimeout int
	if err := s.DB().QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}

	// Reopening an up-to-date database is a no-op.
	path := s.Path()
	s.Close()
	again, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	again.Close()
}

func TestRecordAndListEstimates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC)

	coeffs := make([]float32, 27)
	coeffs[0] = 3.5
	for i := 0; i < 3; i++ {
		probe := "probe-a"
		if i == 2 {
			probe = "probe-b"
		}
		err := s.RecordEstimate(ctx, EstimateRecord{
			ProbeID:      probe,
			X:            float64(i),
			Coefficients: coeffs,
			Novel:        10 + i,
			Encoded:      100,
			PayloadBytes: 700,
			Latency:      25 * time.Millisecond,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordEstimate %d failed: %v", i, err)
		}
	}

	all, err := s.RecentEstimates(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentEstimates failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 estimates, got %d", len(all))
	}
	if all[0].ProbeID != "probe-b" || all[0].Novel != 12 {
		t.Errorf("Expected newest first, got %+v", all[0])
	}
	if all[0].Coefficients[0] != 3.5 || len(all[0].Coefficients) != 27 {
		t.Errorf("Coefficients did not round trip: %v", all[0].Coefficients)
	}
	if all[0].Latency != 25*time.Millisecond {
		t.Errorf("Expected 25ms latency, got %v", all[0].Latency)
	}
	if !all[2].CreatedAt.Equal(base) {
		t.Errorf("Expected oldest at %v, got %v", base, all[2].CreatedAt)
	}

	onlyA, err := s.RecentEstimates(ctx, "probe-a", 1)
	if err != nil {
		t.Fatalf("RecentEstimates(probe-a) failed: %v", err)
	}
	if len(onlyA) != 1 || onlyA[0].X != 1 {
		t.Errorf("Expected the latest probe-a estimate, got %+v", onlyA)
	}
}

func TestTriggerHistoryBuckets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC)

	offsets := []time.Duration{0, 10 * time.Second, 70 * time.Second, 200 * time.Second}
	for i, off := range offsets {
		err := s.RecordEstimate(ctx, EstimateRecord{
			ProbeID:      "p",
			Coefficients: make([]float32, 27),
			Novel:        1,
			Changed:      i,
			Forced:       i == 3,
			CreatedAt:    base.Add(off),
		})
		if err != nil {
			t.Fatalf("RecordEstimate failed: %v", err)
		}
	}

	buckets, err := s.TriggerHistory(ctx, time.Minute, 10)
	if err != nil {
		t.Fatalf("TriggerHistory failed: %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("Expected 3 buckets, got %d: %+v", len(buckets), buckets)
	}
	if !buckets[0].Start.Equal(base) || buckets[0].Count != 2 || buckets[0].Changed != 1 {
		t.Errorf("Unexpected first bucket %+v", buckets[0])
	}
	if buckets[2].Forced != 1 {
		t.Errorf("Expected the last bucket to hold the forced trigger, got %+v", buckets[2])
	}

	latest, err := s.TriggerHistory(ctx, time.Minute, 1)
	if err != nil {
		t.Fatalf("TriggerHistory failed: %v", err)
	}
	if len(latest) != 1 || !latest[0].Start.Equal(base.Add(3*time.Minute)) {
		t.Errorf("Expected only the newest bucket, got %+v", latest)
	}
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC)

	if err := s.StartSession(ctx, Session{ID: "s1", Mode: "replay", Source: "a.zip", NumAnchors: 2048, StartedAt: start}); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := s.EndSession(ctx, "s1", start.Add(time.Minute)); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if err := s.EndSession(ctx, "missing", start); err == nil {
		t.Error("Expected an error ending an unknown session")
	}
	sessions, err := s.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Mode != "replay" || !sessions[0].EndedAt.Equal(start.Add(time.Minute)) {
		t.Errorf("Unexpected sessions %+v", sessions)
	}
}

func TestAttachAdminRoutes(t *testing.T) {
	s := openTestStore(t)
	mux := http.NewServeMux()
	if err := s.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes failed: %v", err)
	}

	for _, route := range []string{"/debug/estimates", "/debug/tailsql/"} {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		// Registered routes answer 200 or 403 depending on debug access.
		if w.Code == http.StatusNotFound {
			t.Errorf("Route %s should be registered, got 404", route)
		}
	}
}
