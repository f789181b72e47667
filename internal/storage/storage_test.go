package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func unsafeRecord(offset time.Duration) model.RunRecord {
	start := baseTime.Add(offset)
	return model.RunRecord{
		ID:             uuid.New(),
		RequestID:      "req-" + offset.String(),
		Status:         model.RunStatusCompleted,
		Verdict:        model.SyntheticUnsafe,
		MediaKind:      model.MediaKindImage,
		MIMEType:       "image/png",
		Filename:       "cat.png",
		SizeBytes:      2048,
		Fingerprint:    "d:00ff00ff00ff00ff",
		DetectionLabel: model.LabelSynthetic,
		DetectionScore: ptr(0.93),
		DetectionModel: "det-v1",
		Escalated:      true,
		Threshold:      ptr(0.7),
		Flagged:        ptr(true),
		Categories:     []model.HazardCategory{model.HazardViolentCrimes, model.HazardHate},
		StartedAt:      start,
		CompletedAt:    start.Add(1500 * time.Millisecond),
		DurationMS:     1500,
	}
}

func failedRecord(offset time.Duration) model.RunRecord {
	start := baseTime.Add(offset)
	return model.RunRecord{
		ID:          uuid.New(),
		Status:      model.RunStatusFailed,
		Verdict:     model.ErrorVerdict(model.ErrMediaValidation),
		ErrorMsg:    "ingest: invalid media: unsupported type text/plain",
		StartedAt:   start,
		CompletedAt: start.Add(3 * time.Millisecond),
		DurationMS:  3,
	}
}

// exerciseStore checks the contract every Store implementation shares.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	unsafe := unsafeRecord(0)
	failed := failedRecord(time.Minute)
	older := unsafeRecord(-time.Hour)

	n, err := s.SaveRuns(ctx, []model.RunRecord{unsafe, failed, older})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.SaveRuns(ctx, []model.RunRecord{unsafe})
	require.NoError(t, err)
	assert.Zero(t, n, "duplicate run IDs are skipped")

	n, err = s.SaveRuns(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.GetRun(ctx, unsafe.ID)
	require.NoError(t, err)
	assert.Equal(t, unsafe, got)

	got, err = s.GetRun(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, failed.Verdict, got.Verdict)
	assert.Equal(t, failed.ErrorMsg, got.ErrorMsg)
	assert.Nil(t, got.DetectionScore)
	assert.Nil(t, got.Flagged)
	assert.Nil(t, got.Threshold)
	assert.Empty(t, got.Categories)

	_, err = s.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, failed.ID, list[0].ID)
	assert.Equal(t, unsafe.ID, list[1].ID)
	assert.Equal(t, older.ID, list[2].ID)

	list, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, failed.ID, list[0].ID)

	assert.NoError(t, s.Ping(ctx))
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "kensa.db")

	s, err := OpenSQLite(ctx, path, discardLogger())
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close(ctx))

	// Reopening applies no migration twice and keeps the data.
	s, err = OpenSQLite(ctx, path, discardLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close(ctx) }()
	list, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	applied, err := s.appliedMigrations(ctx)
	require.NoError(t, err)
	assert.True(t, applied["001_runs.sql"])
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(10))
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)
	a, b, c := failedRecord(0), failedRecord(time.Second), failedRecord(2*time.Second)

	_, err := s.SaveRuns(ctx, []model.RunRecord{a, b, c})
	require.NoError(t, err)

	_, err = s.GetRun(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	list, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, c.ID, list[0].ID)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, ClampLimit(0))
	assert.Equal(t, 50, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxListLimit, ClampLimit(MaxListLimit+1))
}

func TestCategoriesColumn(t *testing.T) {
	cats := []model.HazardCategory{model.HazardHate, model.HazardElections}
	assert.Equal(t, "S10,S13", joinCategories(cats))
	assert.Equal(t, cats, splitCategories("S10,S13"))
	assert.Nil(t, splitCategories(""))
}

func TestWithRetry_NonRetriableReturnsImmediately(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_GivesUpAfterBudget(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "40P01", pgErr.Code)
	assert.Equal(t, 3, calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&pgconn.PgError{Code: "57P01"}))
	assert.False(t, isTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isTransient(assert.AnError))
}
