// Package encoder provides the pure-Go variant generator.
package encoder

import (
	"bytes"
	"context"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/Skryldev/media-pipeline/adapters/decoder"
	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

// JPEG resizes the original per profile, flattens it onto white and
// re-encodes it as JPEG.
//
// The Go JPEG encoder only writes baseline files, so Interlace is ignored
// here; the vips backend, which is the default, honours it.
type JPEG struct {
	DefaultQuality int // used when the profile leaves Quality at 0
}

func NewJPEG(defaultQuality int) *JPEG {
	if defaultQuality <= 0 {
		defaultQuality = core.DefaultJPEGQuality
	}
	return &JPEG{DefaultQuality: defaultQuality}
}

func (j *JPEG) CanEncode(format core.Format) bool {
	return format == core.FormatJPEG
}

func (j *JPEG) Encode(ctx context.Context, data []byte, p core.VariantProfile) (*core.Artifact, error) {
	src, err := decoder.Decode(ctx, data, apperrors.CategoryVariant, "jpeg.decode")
	if err != nil {
		return nil, WithProfile(err, p.Name)
	}

	out := Flatten(Resize(src, p), color.White)

	if err := ctx.Err(); err != nil {
		return nil, apperrors.ForProfile(apperrors.CategoryVariant, "jpeg.encode", p.Name, err)
	}

	quality := p.Quality
	if quality <= 0 {
		quality = j.DefaultQuality
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, apperrors.ForProfile(apperrors.CategoryVariant, "jpeg.encode", p.Name, err)
	}

	b := out.Bounds()
	return &core.Artifact{
		Profile:     p.Name,
		Data:        buf.Bytes(),
		Format:      core.FormatJPEG,
		ContentType: core.FormatJPEG.MIMEType(),
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}

// WithProfile tags a ProcessingError with the profile that produced it.
func WithProfile(err error, profile string) error {
	if pe, ok := err.(*apperrors.ProcessingError); ok && pe.Profile == "" {
		cp := *pe
		cp.Profile = profile
		return &cp
	}
	return err
}

var _ core.Encoder = (*JPEG)(nil)
