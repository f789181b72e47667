package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/migrations"
)

// SQLiteStore keeps run history in a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations. Writes are serialized through one connection.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create sqlite dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := runMigrations(ctx, s, migrations.SQLite(), logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

func (s *SQLiteStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *SQLiteStore) applyMigration(ctx context.Context, name, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		name, time.Now().UnixNano(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

const sqliteInsertRun = `
	INSERT INTO runs (
		run_id, request_id, status, verdict, error_kind, error_message,
		media_kind, mime_type, filename, size_bytes, fingerprint,
		detection_label, detection_score, detection_model, escalated, threshold,
		flagged, categories, started_at, completed_at, duration_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (run_id) DO NOTHING`

const sqliteSelectRun = `
	SELECT run_id, request_id, status, verdict, error_kind, error_message,
		media_kind, mime_type, filename, size_bytes, fingerprint,
		detection_label, detection_score, detection_model, escalated, threshold,
		flagged, categories, started_at, completed_at, duration_ms
	FROM runs`

// SaveRuns inserts records in one transaction, retrying while another
// process holds the database lock.
func (s *SQLiteStore) SaveRuns(ctx context.Context, records []model.RunRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	var inserted int
	err := WithRetry(ctx, saveMaxRetries, saveBaseDelay, func() error {
		n, err := s.saveBatch(ctx, records)
		inserted = n
		return err
	})
	return inserted, err
}

func (s *SQLiteStore) saveBatch(ctx context.Context, records []model.RunRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, sqliteInsertRun)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, r := range records {
		var flagged *int64
		if r.Flagged != nil {
			v := int64(0)
			if *r.Flagged {
				v = 1
			}
			flagged = &v
		}
		escalated := 0
		if r.Escalated {
			escalated = 1
		}
		res, err := stmt.ExecContext(ctx,
			r.ID.String(), r.RequestID, string(r.Status), string(r.Verdict.Kind), string(r.Verdict.Error), r.ErrorMsg,
			string(r.MediaKind), r.MIMEType, r.Filename, r.SizeBytes, r.Fingerprint,
			string(r.DetectionLabel), r.DetectionScore, r.DetectionModel, escalated, r.Threshold,
			flagged, joinCategories(r.Categories), r.StartedAt.UnixNano(), r.CompletedAt.UnixNano(), r.DurationMS,
		)
		if err != nil {
			return 0, fmt.Errorf("storage: insert run %s: %w", r.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit: %w", err)
	}
	return inserted, nil
}

// GetRun returns one record by run ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectRun+` WHERE run_id = ?`, id.String())
	rec, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunRecord{}, ErrNotFound
	}
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns the most recently started runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectRun+` ORDER BY started_at DESC, run_id LIMIT ?`, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RunRecord
	for rows.Next() {
		rec, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *SQLiteStore) Close(context.Context) error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (model.RunRecord, error) {
	var (
		rec                         model.RunRecord
		id, status, kind, errKind   string
		mediaKind, label, cats      string
		flagged                     *int64
		escalated                   int64
		startedNanos, completedNano int64
	)
	err := row.Scan(
		&id, &rec.RequestID, &status, &kind, &errKind, &rec.ErrorMsg,
		&mediaKind, &rec.MIMEType, &rec.Filename, &rec.SizeBytes, &rec.Fingerprint,
		&label, &rec.DetectionScore, &rec.DetectionModel, &escalated, &rec.Threshold,
		&flagged, &cats, &startedNanos, &completedNano, &rec.DurationMS,
	)
	if err != nil {
		return model.RunRecord{}, err
	}
	rec.ID, err = uuid.Parse(id)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("parse run id %q: %w", id, err)
	}
	rec.Status = model.RunStatus(status)
	rec.Verdict = model.Verdict{Kind: model.VerdictKind(kind), Error: model.ErrorKind(errKind)}
	rec.MediaKind = model.MediaKind(mediaKind)
	rec.DetectionLabel = model.DetectionLabel(label)
	rec.Escalated = escalated != 0
	if flagged != nil {
		f := *flagged != 0
		rec.Flagged = &f
	}
	rec.Categories = splitCategories(cats)
	rec.StartedAt = time.Unix(0, startedNanos).UTC()
	rec.CompletedAt = time.Unix(0, completedNano).UTC()
	return rec, nil
}
