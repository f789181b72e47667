// Package ingest validates uploads and turns them into media items.
//
// Validation happens before any model is consulted: an upload that is empty,
// oversized, of an unsupported type, or that does not decode is rejected
// here with ErrInvalidMedia or ErrTooLarge.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
)

var (
	// ErrInvalidMedia is returned for uploads that are not a decodable
	// image or video.
	ErrInvalidMedia = errors.New("ingest: invalid media")

	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("ingest: media exceeds size limit")

	// ErrExtractorUnavailable means frame extraction could not run at all
	// (for example the ffmpeg binary is missing). It is a server fault, not
	// a property of the upload.
	ErrExtractorUnavailable = errors.New("ingest: frame extractor unavailable")
)

// Upload is a raw media upload as received from a client.
type Upload struct {
	Filename    string
	ContentType string // As declared by the client; only trusted when sniffing is inconclusive.
	Body        io.Reader

	// Interrupt, when set, makes a Read on Body that is waiting for the
	// client return an error. Network-backed bodies set it so a run that
	// ends mid-upload does not keep a reader parked on the connection.
	Interrupt func()
}

// Abort unblocks a pending read on the body: through Interrupt when set,
// otherwise by closing Body if it is an io.Closer.
func (up Upload) Abort() {
	if up.Interrupt != nil {
		up.Interrupt()
		return
	}
	if c, ok := up.Body.(io.Closer); ok {
		_ = c.Close()
	}
}

// contextReader stops reading once ctx ends.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Config controls ingestion limits.
type Config struct {
	MaxBytes    int64
	VideoFrames int
	TempDir     string // Empty uses os.TempDir.
}

// Adapter is the media ingestion adapter. Safe for concurrent use.
type Adapter struct {
	cfg    Config
	frames FrameExtractor
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Adapter. frames may be nil, in which case video uploads
// are rejected.
func New(cfg Config, frames FrameExtractor, logger *slog.Logger) *Adapter {
	if cfg.VideoFrames <= 0 {
		cfg.VideoFrames = 20
	}
	return &Adapter{cfg: cfg, frames: frames, logger: logger, now: time.Now}
}

// Ingest reads and validates an upload. The returned item owns its bytes;
// the upload body is fully consumed.
func (a *Adapter) Ingest(ctx context.Context, up Upload) (*model.MediaItem, error) {
	if up.Body == nil {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidMedia)
	}
	limit := a.cfg.MaxBytes
	var r io.Reader = contextReader{ctx: ctx, r: up.Body}
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ingest: read upload: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w: read upload: %v", ErrInvalidMedia, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidMedia)
	}

	kind, mimeType, err := classify(data, up.ContentType)
	if err != nil {
		return nil, err
	}

	item := &model.MediaItem{
		ID:         uuid.New(),
		Kind:       kind,
		MIMEType:   mimeType,
		Filename:   cleanFilename(up.Filename),
		Size:       int64(len(data)),
		ReceivedAt: a.now().UTC(),
	}

	switch kind {
	case model.MediaKindImage:
		if err := inspectImage(item, data); err != nil {
			return nil, err
		}
	case model.MediaKindVideo:
		if err := a.extractVideo(ctx, item, data); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// classify sniffs the content and decides the media kind. The declared type
// is consulted only when sniffing finds nothing more specific than
// application/octet-stream.
func classify(data []byte, declared string) (model.MediaKind, string, error) {
	sniffed := http.DetectContentType(data)
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = sniffed[:i]
	}
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}

	mimeType := sniffed
	if sniffed == "application/octet-stream" && declared != "" {
		mimeType = declared
	}

	switch {
	case imageFormats[mimeType] != "":
		return model.MediaKindImage, mimeType, nil
	case strings.HasPrefix(mimeType, "video/"):
		return model.MediaKindVideo, mimeType, nil
	}
	return "", "", fmt.Errorf("%w: unsupported media type %q", ErrInvalidMedia, mimeType)
}

func (a *Adapter) extractVideo(ctx context.Context, item *model.MediaItem, data []byte) error {
	if a.frames == nil {
		return fmt.Errorf("%w: video uploads are not enabled", ErrInvalidMedia)
	}

	// Decoders need a seekable file; the spool never outlives this call.
	f, err := os.CreateTemp(a.cfg.TempDir, "kensa-upload-*"+videoExt(item.MIMEType))
	if err != nil {
		return fmt.Errorf("ingest: create temp file: %w", err)
	}
	path := f.Name()
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			a.logger.Warn("ingest: failed to remove temp file", "path", path, "error", rmErr)
		}
	}()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("ingest: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("ingest: close temp file: %w", err)
	}

	video, err := a.frames.Extract(ctx, path, a.cfg.VideoFrames)
	if err != nil {
		return err
	}
	if len(video.Frames) == 0 {
		return fmt.Errorf("%w: no decodable frames in video", ErrInvalidMedia)
	}

	item.Frames = video.Frames
	item.Duration = video.Duration
	item.Width = video.Width
	item.Height = video.Height
	item.Metadata = video.Tags
	if fp, err := fingerprintBytes(video.Frames[0].Data); err == nil {
		item.Fingerprint = fp
	}
	a.logger.Debug("ingest: extracted video frames",
		"media_id", item.ID, "frames", len(video.Frames), "duration", video.Duration)
	return nil
}

func cleanFilename(name string) string {
	if name == "" {
		return ""
	}
	return filepath.Base(filepath.Clean("/" + name))
}

func videoExt(mimeType string) string {
	switch mimeType {
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	case "video/avi", "video/x-msvideo":
		return ".avi"
	case "video/x-matroska":
		return ".mkv"
	}
	return ".bin"
}
