// Package sqlite keeps the estimation history: one row per published
// estimate and one per run session.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// pragmas are applied to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

// Store is the estimation history database.
type Store struct {
	db   *sql.DB
	path string
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// Open opens or creates the database at path and migrates it to the latest
// schema. ":memory:" gives a private in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the handle for admin tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the path the store was opened with.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

// EstimateRecord is one published estimate.
type EstimateRecord struct {
	ID           int64
	ProbeID      string
	X, Y, Z      float64
	Coefficients []float32
	Novel        int
	Changed      int
	Forced       bool
	Encoded      int
	PayloadBytes int
	Latency      time.Duration
	CreatedAt    time.Time
}

// RecordEstimate inserts rec.
func (s *Store) RecordEstimate(ctx context.Context, rec EstimateRecord) error {
	coeffs, err := json.Marshal(rec.Coefficients)
	if err != nil {
		return fmt.Errorf("failed to encode coefficients: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO estimates (
			probe_id, x, y, z, coefficients, novel, changed, forced,
			encoded, payload_bytes, latency_ms, created_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ProbeID, rec.X, rec.Y, rec.Z, string(coeffs), rec.Novel, rec.Changed, rec.Forced,
		rec.Encoded, rec.PayloadBytes, float64(rec.Latency)/float64(time.Millisecond), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record estimate: %w", err)
	}
	return nil
}

// RecentEstimates returns up to limit estimates, newest first. A non-empty
// probeID restricts the result to that probe.
func (s *Store) RecentEstimates(ctx context.Context, probeID string, limit int) ([]EstimateRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT estimate_id, probe_id, x, y, z, coefficients, novel, changed, forced,
			encoded, payload_bytes, latency_ms, created_at_ms
		FROM estimates`
	args := []any{}
	if probeID != "" {
		query += ` WHERE probe_id = ?`
		args = append(args, probeID)
	}
	query += ` ORDER BY created_at_ms DESC, estimate_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EstimateRecord
	for rows.Next() {
		var (
			rec       EstimateRecord
			coeffs    string
			latencyMS float64
			createdMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.ProbeID, &rec.X, &rec.Y, &rec.Z, &coeffs,
			&rec.Novel, &rec.Changed, &rec.Forced, &rec.Encoded, &rec.PayloadBytes,
			&latencyMS, &createdMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(coeffs), &rec.Coefficients); err != nil {
			return nil, fmt.Errorf("estimate %d: bad coefficients: %w", rec.ID, err)
		}
		rec.Latency = time.Duration(latencyMS * float64(time.Millisecond))
		rec.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TriggerBucket aggregates estimates over one time bucket.
type TriggerBucket struct {
	Start   time.Time
	Count   int
	Novel   int
	Changed int
	Forced  int
}

// TriggerHistory buckets estimates by bucket width and returns the latest
// limit buckets in chronological order. Empty buckets are omitted.
func (s *Store) TriggerHistory(ctx context.Context, bucket time.Duration, limit int) ([]TriggerBucket, error) {
	width := bucket.Milliseconds()
	if width <= 0 {
		width = time.Minute.Milliseconds()
	}
	if limit <= 0 {
		limit = 60
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT (created_at_ms / ?) * ? AS bucket, COUNT(*), SUM(novel), SUM(changed), SUM(forced)
		FROM estimates
		GROUP BY bucket
		ORDER BY bucket DESC
		LIMIT ?`, width, width, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TriggerBucket
	for rows.Next() {
		var b TriggerBucket
		var startMS int64
		if err := rows.Scan(&startMS, &b.Count, &b.Novel, &b.Changed, &b.Forced); err != nil {
			return nil, err
		}
		b.Start = time.UnixMilli(startMS)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Session is one run of the controller.
type Session struct {
	ID         string
	Mode       string
	Source     string
	NumAnchors int
	StartedAt  time.Time
	EndedAt    time.Time
}

// StartSession records the start of a run.
func (s *Store) StartSession(ctx context.Context, sess Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, mode, source, num_anchors, started_at_ms) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Mode, sess.Source, sess.NumAnchors, sess.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// EndSession stamps the end time of a run.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at_ms = ? WHERE session_id = ?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// Sessions lists runs, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, mode, source, num_anchors, started_at_ms, ended_at_ms
		FROM sessions ORDER BY started_at_ms DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.Mode, &sess.Source, &sess.NumAnchors, &started, &ended); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			sess.EndedAt = time.UnixMilli(ended.Int64)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
