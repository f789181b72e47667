package moderation

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/webp"

	"github.com/ashita-ai/kensa/internal/model"
)

// dedupThreshold is the Hamming distance between difference hashes below
// which two frames count as the same shot.
const dedupThreshold = 10

// SelectFrames picks at most max representative frames to moderate.
// Near-duplicate frames (same shot) are dropped first; if more remain than
// max, an evenly spaced subset is kept. Frames that fail to decode are kept
// rather than silently skipped.
func SelectFrames(frames []model.Frame, max int) []model.Frame {
	if max <= 0 || len(frames) == 0 {
		return nil
	}
	if len(frames) == 1 {
		return frames
	}

	var (
		unique []model.Frame
		hashes []*goimagehash.ImageHash
	)
next:
	for _, f := range frames {
		img, _, err := image.Decode(bytes.NewReader(f.Data))
		if err != nil {
			unique = append(unique, f)
			continue
		}
		h, err := goimagehash.DifferenceHash(img)
		if err != nil {
			unique = append(unique, f)
			continue
		}
		for _, seen := range hashes {
			if dist, err := h.Distance(seen); err == nil && dist < dedupThreshold {
				continue next
			}
		}
		hashes = append(hashes, h)
		unique = append(unique, f)
	}

	if len(unique) <= max {
		return unique
	}
	out := make([]model.Frame, 0, max)
	for i := range max {
		out = append(out, unique[i*len(unique)/max])
	}
	return out
}
