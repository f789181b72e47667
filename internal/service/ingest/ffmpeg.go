package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashita-ai/kensa/internal/model"
)

// Video is the result of frame extraction.
type Video struct {
	Frames   []model.Frame
	Duration time.Duration
	Width    int
	Height   int
	Tags     map[string]string
}

// FrameExtractor samples still frames from a video file.
type FrameExtractor interface {
	Extract(ctx context.Context, path string, n int) (Video, error)
}

// FFmpegExtractor samples frames by shelling out to ffprobe and ffmpeg.
type FFmpegExtractor struct {
	FFmpegPath  string
	FFprobePath string
}

// NewFFmpegExtractor returns an extractor using the given binaries, falling
// back to "ffmpeg" and "ffprobe" on PATH.
func NewFFmpegExtractor(ffmpegPath, ffprobePath string) *FFmpegExtractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegExtractor{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

// Available reports whether both binaries can be found.
func (e *FFmpegExtractor) Available() error {
	for _, bin := range []string{e.FFmpegPath, e.FFprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrExtractorUnavailable, bin, err)
		}
	}
	return nil
}

// Extract grabs n frames evenly spaced across the video, each taken from
// the middle of its segment so the first and last frames (often black or
// title cards) are avoided.
func (e *FFmpegExtractor) Extract(ctx context.Context, path string, n int) (Video, error) {
	probe, err := e.probe(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return Video{}, ctx.Err()
		}
		return Video{}, err
	}
	if probe.Duration <= 0 {
		n = 1
	}

	v := Video{Duration: probe.Duration, Width: probe.Width, Height: probe.Height, Tags: probe.Tags}
	for i := range n {
		offset := time.Duration(0)
		if probe.Duration > 0 {
			offset = time.Duration((float64(i) + 0.5) / float64(n) * float64(probe.Duration))
		}
		data, err := e.frameAt(ctx, path, offset)
		if err != nil {
			if ctx.Err() != nil {
				return Video{}, ctx.Err()
			}
			if errors.Is(err, ErrExtractorUnavailable) {
				return Video{}, err
			}
			// Seeking near the end of some containers yields nothing; skip.
			continue
		}
		v.Frames = append(v.Frames, model.Frame{
			Index:    len(v.Frames),
			Offset:   offset,
			Data:     data,
			MIMEType: "image/jpeg",
		})
	}
	return v, nil
}

type probeResult struct {
	Duration time.Duration
	Width    int
	Height   int
	Tags     map[string]string
}

type ffprobeOutput struct {
	Format struct {
		Duration string            `json:"duration"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func (e *FFmpegExtractor) probe(ctx context.Context, path string) (probeResult, error) {
	cmd := exec.CommandContext(ctx, e.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return probeResult{}, classifyExecErr(e.FFprobePath, err, stderr.String())
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (probeResult, error) {
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return probeResult{}, fmt.Errorf("%w: unreadable probe output: %v", ErrInvalidMedia, err)
	}
	var res probeResult
	hasVideo := false
	for _, s := range parsed.Streams {
		if s.CodecType == "video" {
			hasVideo = true
			res.Width, res.Height = s.Width, s.Height
			break
		}
	}
	if !hasVideo {
		return probeResult{}, fmt.Errorf("%w: no video stream", ErrInvalidMedia)
	}
	if secs, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil && secs > 0 {
		res.Duration = time.Duration(secs * float64(time.Second))
	}
	for k, val := range parsed.Format.Tags {
		switch strings.ToLower(k) {
		case "encoder", "software", "creation_time", "comment", "make", "model":
			if res.Tags == nil {
				res.Tags = map[string]string{}
			}
			res.Tags[k] = clip(val, maxTagValueLen)
		}
	}
	return res, nil
}

func (e *FFmpegExtractor) frameAt(ctx context.Context, path string, offset time.Duration) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.FFmpegPath,
		"-v", "error",
		"-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, classifyExecErr(e.FFmpegPath, err, stderr.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no frame at %s", ErrInvalidMedia, offset)
	}
	return out, nil
}

// classifyExecErr separates "the tool is missing" from "the tool rejected
// the input".
func classifyExecErr(bin string, err error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %s not found", ErrExtractorUnavailable, bin)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := clip(strings.TrimSpace(stderr), 200)
		return fmt.Errorf("%w: %s: %s", ErrInvalidMedia, bin, msg)
	}
	return fmt.Errorf("%w: %s: %v", ErrExtractorUnavailable, bin, err)
}

// clip shortens s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
