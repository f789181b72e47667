// Command kensa-doctor checks that the dependencies of a kensa deployment are
// reachable and pushes one probe image through the full pipeline.
//
// It reads the same environment as the server. Run history is kept in memory
// so the probe leaves nothing behind.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ashita-ai/kensa"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("kensa-doctor", flag.ContinueOnError)
	fs.SetOutput(out)
	envFile := fs.String("env", "", "dotenv file to load before reading configuration")
	timeout := fs.Duration("timeout", 5*time.Second, "per-check timeout")
	probe := fs.Bool("probe", true, "run a probe image through the pipeline")
	verbose := fs.Bool("v", false, "log pipeline activity to stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logLevel := slog.LevelError
	if *verbose {
		logLevel = slog.LevelDebug
	}
	opts := []kensa.Option{
		kensa.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))),
		kensa.WithStore("none"),
		kensa.WithVersion("doctor"),
	}
	if *envFile != "" {
		opts = append(opts, kensa.WithEnvFile(*envFile))
	}

	app, err := kensa.New(opts...)
	if err != nil {
		_, _ = fmt.Fprintf(out, "FAIL  config: %v\n", err)
		return 1
	}
	defer func() { _ = app.Shutdown(context.Background()) }()

	ctx := context.Background()
	healthy := true
	for _, r := range app.Diagnose(ctx, *timeout) {
		switch {
		case r.Err == nil:
			_, _ = fmt.Fprintf(out, "OK    %-12s %s\n", r.Name, r.Elapsed.Round(time.Millisecond))
		case r.Critical:
			healthy = false
			_, _ = fmt.Fprintf(out, "FAIL  %-12s %v\n", r.Name, r.Err)
		default:
			_, _ = fmt.Fprintf(out, "WARN  %-12s %v\n", r.Name, r.Err)
		}
	}

	if *probe {
		if !probeImage(ctx, app, out) {
			healthy = false
		}
	}

	if !healthy {
		return 1
	}
	return 0
}

// probeImage analyzes a generated gradient. Any completed run passes; the
// verdict itself depends on the deployed models.
func probeImage(ctx context.Context, app *kensa.App, out io.Writer) bool {
	body, err := gradientPNG(64)
	if err != nil {
		_, _ = fmt.Fprintf(out, "FAIL  %-12s %v\n", "probe", err)
		return false
	}
	res, err := app.Analyze(ctx, "probe.png", bytes.NewReader(body))
	if err != nil {
		_, _ = fmt.Fprintf(out, "FAIL  %-12s %v\n", "probe", err)
		return false
	}
	if res.Status != "completed" {
		_, _ = fmt.Fprintf(out, "FAIL  %-12s %s: %s\n", "probe", res.ErrorKind, res.ErrorMessage)
		return false
	}
	_, _ = fmt.Fprintf(out, "OK    %-12s verdict=%s label=%s score=%.3f escalated=%t %s\n",
		"probe", res.Verdict, res.DetectionLabel, res.DetectionScore, res.Escalated,
		res.Duration.Round(time.Millisecond))
	if res.ReviewRequired {
		_, _ = fmt.Fprintf(out, "WARN  %-12s review required: %s\n", "probe", res.ErrorMessage)
	}
	return true
}

func gradientPNG(size int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / size), G: uint8(y * 255 / size), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
