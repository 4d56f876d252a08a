// Package crop cuts per-table regions out of a captured frame using the
// camera's installed crop metadata. Rotated boxes are reduced to their
// axis-aligned hull; the classifier tolerates the extra margin.
package crop

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/floorops/floorops/internal/domain"
)

// Crops narrower or shorter than this are noise from a bad segmentation
// run and are skipped.
const minCropPx = 8

// Skip reasons, surfaced as metric labels.
const (
	ReasonTooSmall  = "too_small"
	ReasonOutOfView = "out_of_view"
)

// TableCrop is one extracted region, re-encoded in the frame's format.
type TableCrop struct {
	JSONTableID string
	Bytes       []byte
	Width       int
	Height      int
	Format      string
}

// Warning records a table whose crop was skipped.
type Warning struct {
	JSONTableID string
	Reason      string
}

// subImager is satisfied by the decoded image types jpeg and png produce.
type subImager interface {
	image.Image
	SubImage(r image.Rectangle) image.Image
}

// Extract decodes frame and cuts one crop per table in cj. Per-table
// failures become warnings; only an undecodable frame is an error.
func Extract(frame []byte, format string, cj *domain.CropJSON) ([]TableCrop, []Warning, error) {
	img, err := decode(frame, format)
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindDegraded, "crop", "failed to decode frame", err)
	}
	sub, ok := img.(subImager)
	if !ok {
		return nil, nil, domain.E(domain.KindDegraded, "crop", "frame image type does not support cropping")
	}

	bounds := img.Bounds()
	crops := make([]TableCrop, 0, len(cj.Tables))
	var warnings []Warning

	for _, t := range cj.Tables {
		rect := hull(t.RotatedBBox.Corners).Intersect(bounds)
		if rect.Empty() {
			warnings = append(warnings, Warning{JSONTableID: t.ID, Reason: ReasonOutOfView})
			continue
		}
		if rect.Dx() < minCropPx || rect.Dy() < minCropPx {
			warnings = append(warnings, Warning{JSONTableID: t.ID, Reason: ReasonTooSmall})
			continue
		}

		data, err := encode(sub.SubImage(rect), format)
		if err != nil {
			return nil, nil, domain.Wrap(domain.KindDegraded, "crop", "failed to encode crop", err)
		}
		crops = append(crops, TableCrop{
			JSONTableID: t.ID,
			Bytes:       data,
			Width:       rect.Dx(),
			Height:      rect.Dy(),
			Format:      format,
		})
	}
	return crops, warnings, nil
}

// hull returns the axis-aligned bounding rectangle of the four corners.
func hull(corners [4][2]float64) image.Rectangle {
	minX, minY := corners[0][0], corners[0][1]
	maxX, maxY := minX, minY
	for _, c := range corners[1:] {
		minX = math.Min(minX, c[0])
		minY = math.Min(minY, c[1])
		maxX = math.Max(maxX, c[0])
		maxY = math.Max(maxY, c[1])
	}
	return image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX)), int(math.Ceil(maxY)),
	)
}

func decode(data []byte, format string) (image.Image, error) {
	switch format {
	case "png":
		return png.Decode(bytes.NewReader(data))
	default:
		return jpeg.Decode(bytes.NewReader(data))
	}
}

func encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
