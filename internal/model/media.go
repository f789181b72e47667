// Package model defines the core domain types for Kensa.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible. Media items and pipeline runs are created by the
// ingestion adapter and the orchestrator respectively; everything else is
// a value produced by exactly one pipeline stage.
package model

import (
	"time"

	"github.com/google/uuid"
)

// MediaKind selects which detection capability handles an item.
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether k is a supported media kind.
func (k MediaKind) Valid() bool {
	return k == MediaKindImage || k == MediaKindVideo
}

// Frame is one still image: the whole content of an image upload, or a
// sampled frame of a video.
type Frame struct {
	Index    int           `json:"index"`
	Offset   time.Duration `json:"offset"`
	Data     []byte        `json:"-"`
	MIMEType string        `json:"mime_type"`
}

// MediaItem is a validated upload. Immutable once created; owned by the run
// that created it and released when that run completes.
type MediaItem struct {
	ID       uuid.UUID
	Kind     MediaKind
	MIMEType string
	Filename string
	Size     int64

	// Content holds the raw bytes of an image upload. Nil for video.
	Content []byte
	// Frames holds the sampled frames of a video upload. Nil for images.
	Frames []Frame

	Width       int
	Height      int
	Duration    time.Duration
	Fingerprint string
	Metadata    map[string]string
	ReceivedAt  time.Time
}

// Stills returns the frames a model should look at. An image is a single
// frame; a video is its sampled frame sequence.
func (m *MediaItem) Stills() []Frame {
	if m.Kind == MediaKindImage {
		return []Frame{{Index: 0, Data: m.Content, MIMEType: m.MIMEType}}
	}
	return m.Frames
}

// Summary returns the non-content description of the item. Summaries
// outlive the media itself and are what gets persisted and reported.
func (m *MediaItem) Summary() MediaSummary {
	s := MediaSummary{
		ID:          m.ID,
		Kind:        m.Kind,
		MIMEType:    m.MIMEType,
		Filename:    m.Filename,
		Size:        m.Size,
		Width:       m.Width,
		Height:      m.Height,
		Fingerprint: m.Fingerprint,
		ReceivedAt:  m.ReceivedAt,
	}
	if m.Kind == MediaKindVideo {
		s.FrameCount = len(m.Frames)
		s.DurationMS = m.Duration.Milliseconds()
	}
	if len(m.Metadata) > 0 {
		s.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			s.Metadata[k] = v
		}
	}
	return s
}

// MediaSummary describes a media item without carrying its content.
type MediaSummary struct {
	ID          uuid.UUID         `json:"id"`
	Kind        MediaKind         `json:"kind"`
	MIMEType    string            `json:"mime_type"`
	Filename    string            `json:"filename,omitempty"`
	Size        int64             `json:"size_bytes"`
	Width       int               `json:"width,omitempty"`
	Height      int               `json:"height,omitempty"`
	FrameCount  int               `json:"frame_count,omitempty"`
	DurationMS  int64             `json:"duration_ms,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}
