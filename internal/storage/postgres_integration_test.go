//go:build integration

package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/testutil"
)

// testStore holds a shared store for all integration tests in this package.
var testStore *storage.PostgresStore

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	s, err := tc.NewTestStore(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testStore = s

	code := m.Run()
	_ = testStore.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Microsecond)
	score, threshold, flagged := 0.91, 0.7, false

	rec := model.RunRecord{
		ID:             uuid.New(),
		RequestID:      "req-pg",
		Status:         model.RunStatusCompleted,
		Verdict:        model.SyntheticSafe,
		MediaKind:      model.MediaKindVideo,
		MIMEType:       "video/mp4",
		SizeBytes:      1 << 20,
		DetectionLabel: model.LabelSynthetic,
		DetectionScore: &score,
		DetectionModel: "det",
		Escalated:      true,
		Threshold:      &threshold,
		Flagged:        &flagged,
		StartedAt:      start,
		CompletedAt:    start.Add(2 * time.Second),
		DurationMS:     2000,
	}

	n, err := testStore.SaveRuns(ctx, []model.RunRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = testStore.SaveRuns(ctx, []model.RunRecord{rec})
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := testStore.GetRun(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = testStore.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := testStore.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, rec.ID, list[0].ID)
}

func TestPostgresStore_Ping(t *testing.T) {
	assert.NoError(t, testStore.Ping(context.Background()))
}
