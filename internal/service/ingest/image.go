package ingest

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/bep/imagemeta"
	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ashita-ai/kensa/internal/model"
)

// imageFormats maps accepted image MIME types to their decoder names.
var imageFormats = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
	"image/tiff": "tiff",
}

// maxPixels bounds decoded image area so a tiny compressed bomb cannot
// exhaust memory.
const maxPixels = 64 * 1024 * 1024

// inspectImage decodes the image to prove it is well formed, then records
// dimensions, a perceptual fingerprint and provenance metadata.
func inspectImage(item *model.MediaItem, data []byte) error {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: undecodable image: %v", ErrInvalidMedia, err)
	}
	if want := imageFormats[item.MIMEType]; want != "" && want != format {
		return fmt.Errorf("%w: content is %s but declared %s", ErrInvalidMedia, format, item.MIMEType)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: empty image", ErrInvalidMedia)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return fmt.Errorf("%w: image is %dx%d, over the pixel limit", ErrInvalidMedia, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: undecodable image: %v", ErrInvalidMedia, err)
	}

	item.Content = data
	item.Width = cfg.Width
	item.Height = cfg.Height
	if fp, err := fingerprint(img); err == nil {
		item.Fingerprint = fp
	}
	item.Metadata = readMetadata(data, format)
	return nil
}

// fingerprint returns the difference hash of img in "d:<hex>" form.
func fingerprint(img image.Image) (string, error) {
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return "", err
	}
	return h.ToString(), nil
}

func fingerprintBytes(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	return fingerprint(img)
}

// Provenance tags worth surfacing. Generators and editors commonly stamp
// Software / CreatorTool; DigitalSourceType carries the IPTC
// "trainedAlgorithmicMedia" marker.
var wantedTags = map[imagemeta.Source]map[string]bool{
	imagemeta.EXIF: {
		"Software":         true,
		"Make":             true,
		"Model":            true,
		"Artist":           true,
		"DateTimeOriginal": true,
	},
	imagemeta.XMP: {
		"CreatorTool":       true,
		"DigitalSourceType": true,
		"Credit":            true,
	},
	imagemeta.IPTC: {
		"Source": true,
		"Credit": true,
	},
}

var metaFormats = map[string]imagemeta.ImageFormat{
	"jpeg": imagemeta.JPEG,
	"png":  imagemeta.PNG,
	"webp": imagemeta.WebP,
	"tiff": imagemeta.TIFF,
}

const maxTagValueLen = 256

// readMetadata extracts provenance tags. Metadata is advisory, so parse
// failures yield nil rather than an error.
func readMetadata(data []byte, format string) map[string]string {
	imgFormat, ok := metaFormats[format]
	if !ok {
		return nil
	}
	tags := map[string]string{}
	_, err := imagemeta.Decode(imagemeta.Options{
		R:           bytes.NewReader(data),
		ImageFormat: imgFormat,
		Sources:     imagemeta.EXIF | imagemeta.IPTC | imagemeta.XMP,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			return wantedTags[ti.Source][ti.Tag]
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			if s := tagValueString(ti.Value); s != "" {
				tags[ti.Tag] = clip(s, maxTagValueLen)
			}
			return nil
		},
	})
	if err != nil || len(tags) == 0 {
		return nil
	}
	return tags
}

// tagValueString flattens a tag value. XMP values may be lists.
func tagValueString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []string:
		if len(val) > 0 {
			return strings.TrimSpace(val[0])
		}
	case []any:
		if len(val) > 0 {
			if s, ok := val[0].(string); ok {
				return strings.TrimSpace(s)
			}
		}
	case fmt.Stringer:
		return val.String()
	}
	return ""
}
