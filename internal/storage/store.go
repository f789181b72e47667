// Package storage persists run records for Kensa.
//
// Three Store implementations share one contract: SQLiteStore (the default,
// a single file through database/sql and modernc.org/sqlite), PostgresStore
// (pgxpool) and MemoryStore (a bounded ring for deployments that keep no
// history on disk). Records never carry media content.
package storage

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
)

// MaxListLimit caps how many records one ListRuns call returns.
const MaxListLimit = 500

// Store persists run records.
type Store interface {
	// SaveRuns inserts records. Records whose run ID already exists are
	// skipped, so a batch can be retried after a partial failure.
	SaveRuns(ctx context.Context, records []model.RunRecord) (int, error)
	// GetRun returns the record for id or ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (model.RunRecord, error)
	// ListRuns returns up to limit records, most recently started first.
	ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ClampLimit bounds a caller-supplied list limit to [1, MaxListLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// joinCategories and splitCategories convert categories to the comma-joined
// column form used by SQLite.
func joinCategories(cats []model.HazardCategory) string {
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitCategories(s string) []model.HazardCategory {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]model.HazardCategory, 0, len(parts))
	for _, p := range parts {
		out = append(out, model.HazardCategory(p))
	}
	return out
}

func categoryStrings(cats []model.HazardCategory) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}

func categoriesFromStrings(ss []string) []model.HazardCategory {
	if len(ss) == 0 {
		return nil
	}
	out := make([]model.HazardCategory, len(ss))
	for i, s := range ss {
		out[i] = model.HazardCategory(s)
	}
	return out
}
