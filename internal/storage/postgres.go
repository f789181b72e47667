package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/migrations"
)

// PostgresStore keeps run history in PostgreSQL through a pgxpool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to dsn, verifies connectivity and applies
// migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := runMigrations(ctx, s, migrations.Postgres(), logger); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

func (s *PostgresStore) applyMigration(ctx context.Context, name, body string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, body); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		)
		return err
	})
}

const pgInsertRun = `
	INSERT INTO runs (
		run_id, request_id, status, verdict, error_kind, error_message,
		media_kind, mime_type, filename, size_bytes, fingerprint,
		detection_label, detection_score, detection_model, escalated, threshold,
		flagged, categories, started_at, completed_at, duration_ms
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	ON CONFLICT (run_id) DO NOTHING`

const pgSelectRun = `
	SELECT run_id, request_id, status, verdict, error_kind, error_message,
		media_kind, mime_type, filename, size_bytes, fingerprint,
		detection_label, detection_score, detection_model, escalated, threshold,
		flagged, categories, started_at, completed_at, duration_ms
	FROM runs`

// SaveRuns inserts records as one batch in a transaction, retrying
// serialization conflicts and dropped connections.
func (s *PostgresStore) SaveRuns(ctx context.Context, records []model.RunRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	var inserted int
	err := WithRetry(ctx, saveMaxRetries, saveBaseDelay, func() error {
		inserted = 0
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, r := range records {
				batch.Queue(pgInsertRun,
					r.ID, r.RequestID, string(r.Status), string(r.Verdict.Kind), string(r.Verdict.Error), r.ErrorMsg,
					string(r.MediaKind), r.MIMEType, r.Filename, r.SizeBytes, r.Fingerprint,
					string(r.DetectionLabel), r.DetectionScore, r.DetectionModel, r.Escalated, r.Threshold,
					r.Flagged, categoryStrings(r.Categories), r.StartedAt, r.CompletedAt, r.DurationMS,
				)
			}
			results := tx.SendBatch(ctx, batch)
			for range records {
				tag, err := results.Exec()
				if err != nil {
					_ = results.Close()
					return err
				}
				inserted += int(tag.RowsAffected())
			}
			return results.Close()
		})
	})
	if err != nil {
		return 0, fmt.Errorf("storage: save runs: %w", err)
	}
	return inserted, nil
}

// GetRun returns one record by run ID.
func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (model.RunRecord, error) {
	rec, err := scanPostgresRun(s.pool.QueryRow(ctx, pgSelectRun+` WHERE run_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RunRecord{}, ErrNotFound
	}
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns the most recently started runs.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error) {
	rows, err := s.pool.Query(ctx, pgSelectRun+` ORDER BY started_at DESC, run_id LIMIT $1`, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var out []model.RunRecord
	for rows.Next() {
		rec, err := scanPostgresRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks connectivity to the database.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close shuts down the connection pool.
func (s *PostgresStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func scanPostgresRun(row rowScanner) (model.RunRecord, error) {
	var (
		rec                   model.RunRecord
		status, kind, errKind string
		mediaKind, label      string
		cats                  []string
	)
	err := row.Scan(
		&rec.ID, &rec.RequestID, &status, &kind, &errKind, &rec.ErrorMsg,
		&mediaKind, &rec.MIMEType, &rec.Filename, &rec.SizeBytes, &rec.Fingerprint,
		&label, &rec.DetectionScore, &rec.DetectionModel, &rec.Escalated, &rec.Threshold,
		&rec.Flagged, &cats, &rec.StartedAt, &rec.CompletedAt, &rec.DurationMS,
	)
	if err != nil {
		return model.RunRecord{}, err
	}
	rec.Status = model.RunStatus(status)
	rec.Verdict = model.Verdict{Kind: model.VerdictKind(kind), Error: model.ErrorKind(errKind)}
	rec.MediaKind = model.MediaKind(mediaKind)
	rec.DetectionLabel = model.DetectionLabel(label)
	rec.Categories = categoriesFromStrings(cats)
	rec.StartedAt = rec.StartedAt.UTC()
	rec.CompletedAt = rec.CompletedAt.UTC()
	return rec, nil
}
