// Package testutil provides shared test fixtures: media samples, a throwaway
// SQLite history store, and a PostgreSQL container for integration tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testStore, _ = tc.NewTestStore(context.Background(), logger)
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/kensa/internal/storage"
)

// PNG encodes a w×h gradient. Neighbouring pixels differ so the image
// survives perceptual hashing and decoders that reject flat frames.
func PNG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / max(w-1, 1)),
				G: uint8(y * 255 / max(h-1, 1)),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatalf("testutil: encode png: %v", err)
	}
	return buf.Bytes()
}

// NewSQLiteStore opens a migrated SQLite store in a temp dir, closed when
// the test ends.
func NewSQLiteStore(tb testing.TB) *storage.SQLiteStore {
	tb.Helper()
	s, err := storage.OpenSQLite(context.Background(), filepath.Join(tb.TempDir(), "kensa.db"), DiscardLogger())
	if err != nil {
		tb.Fatalf("testutil: open sqlite: %v", err)
	}
	tb.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a PostgreSQL container for the run history
// schema. Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kensa",
			"POSTGRES_PASSWORD": "kensa",
			"POSTGRES_DB":       "kensa",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		exit("start container", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		exit("container host", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		exit("container port", err)
	}

	dsn := fmt.Sprintf("postgres://kensa:kensa@%s:%s/kensa?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}
}

func exit(step string, err error) {
	fmt.Fprintf(os.Stderr, "testutil: %s: %v\n", step, err)
	os.Exit(1)
}

// NewTestStore opens a PostgresStore on this container; migrations run as
// part of opening it.
func (tc *TestContainer) NewTestStore(ctx context.Context, logger *slog.Logger) (*storage.PostgresStore, error) {
	s, err := storage.OpenPostgres(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: open store: %w", err)
	}
	return s, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
