// Package export writes one-shot analytics snapshots to SQLite files.
// An export is a point-in-time copy of the aggregate views, not a live
// backing store; the in-memory database stays authoritative.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/akarpov/logutil/internal/store"
)

const schemaSQL = `
CREATE TABLE summary (
	total_records      INTEGER NOT NULL,
	total_requests     INTEGER NOT NULL,
	unique_ips         INTEGER NOT NULL,
	unique_urls        INTEGER NOT NULL,
	error_count        INTEGER NOT NULL,
	avg_response_time  REAL    NOT NULL,
	total_bytes        INTEGER NOT NULL,
	exported_at        TEXT    NOT NULL
);

CREATE TABLE top_ips (
	rank  INTEGER PRIMARY KEY,
	ip    TEXT    NOT NULL,
	count INTEGER NOT NULL
);

CREATE TABLE top_urls (
	rank  INTEGER PRIMARY KEY,
	url   TEXT    NOT NULL,
	count INTEGER NOT NULL
);

CREATE TABLE top_user_agents (
	rank       INTEGER PRIMARY KEY,
	user_agent TEXT    NOT NULL,
	count      INTEGER NOT NULL
);

CREATE TABLE status_codes (
	status INTEGER PRIMARY KEY,
	count  INTEGER NOT NULL
);

CREATE TABLE suspicious_ips (
	ip    TEXT PRIMARY KEY,
	count INTEGER NOT NULL
);

CREATE TABLE attack_patterns (
	pattern TEXT PRIMARY KEY,
	count   INTEGER NOT NULL
);

CREATE TABLE time_series (
	bucket_start INTEGER PRIMARY KEY,
	count        INTEGER NOT NULL
);
`

// Number of entries per top-N table in a snapshot.
const exportTopLimit = 100

// Exporter writes analytics snapshots from a store.
type Exporter struct {
	db *store.DB
}

// New creates an exporter over the given store.
func New(db *store.DB) *Exporter {
	return &Exporter{db: db}
}

// Export writes a snapshot to a new SQLite database at path. The file
// must not already contain the snapshot schema.
func (e *Exporter) Export(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("opening export database: %w", err)
	}
	defer db.Close()

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := e.writeSnapshot(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

func (e *Exporter) writeSnapshot(ctx context.Context, tx *sql.Tx) error {
	stats := e.db.GetStats()
	errStats := e.db.ErrorStats()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO summary (total_records, total_requests, unique_ips, unique_urls,
			error_count, avg_response_time, total_bytes, exported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stats.TotalRecords, stats.TotalRequests, stats.UniqueIPs, stats.UniqueURLs,
		errStats.TotalErrors, stats.AvgResponseTime, stats.TotalResponseSize,
		time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	for rank, kc := range e.db.TopIPs(exportTopLimit) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO top_ips (rank, ip, count) VALUES (?, ?, ?)`,
			rank+1, kc.Key, kc.Count,
		); err != nil {
			return fmt.Errorf("writing top_ips: %w", err)
		}
	}

	for rank, kc := range e.db.TopURLs(exportTopLimit) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO top_urls (rank, url, count) VALUES (?, ?, ?)`,
			rank+1, kc.Key, kc.Count,
		); err != nil {
			return fmt.Errorf("writing top_urls: %w", err)
		}
	}

	for rank, kc := range e.db.TopUserAgents(exportTopLimit) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO top_user_agents (rank, user_agent, count) VALUES (?, ?, ?)`,
			rank+1, kc.Key, kc.Count,
		); err != nil {
			return fmt.Errorf("writing top_user_agents: %w", err)
		}
	}

	for _, sc := range e.db.TopStatusCodes(exportTopLimit) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO status_codes (status, count) VALUES (?, ?)`,
			sc.Status, sc.Count,
		); err != nil {
			return fmt.Errorf("writing status_codes: %w", err)
		}
	}

	for _, kc := range e.db.SuspiciousIPs() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO suspicious_ips (ip, count) VALUES (?, ?)`,
			kc.Key, kc.Count,
		); err != nil {
			return fmt.Errorf("writing suspicious_ips: %w", err)
		}
	}

	for _, kc := range e.db.AttackPatterns() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attack_patterns (pattern, count) VALUES (?, ?)`,
			kc.Key, kc.Count,
		); err != nil {
			return fmt.Errorf("writing attack_patterns: %w", err)
		}
	}

	for _, bucket := range e.db.TimeSeries(60) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO time_series (bucket_start, count) VALUES (?, ?)`,
			bucket.Start, bucket.Count,
		); err != nil {
			return fmt.Errorf("writing time_series: %w", err)
		}
	}

	return nil
}
