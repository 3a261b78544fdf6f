// Package webp provides the WebP format transcoder on top of libwebp.
package webp

import (
	"bytes"
	"context"

	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"

	"github.com/Skryldev/media-pipeline/adapters/decoder"
	imgencoder "github.com/Skryldev/media-pipeline/adapters/encoder"
	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

// Transcoder re-encodes the original as lossy WebP.  Profiles without a box
// keep the source dimensions; alpha is preserved.
type Transcoder struct {
	DefaultQuality int
	DefaultEffort  int
}

func NewTranscoder(defaultQuality, defaultEffort int) *Transcoder {
	if defaultQuality <= 0 {
		defaultQuality = core.DefaultWebPQuality
	}
	if defaultEffort <= 0 {
		defaultEffort = core.DefaultWebPEffort
	}
	return &Transcoder{DefaultQuality: defaultQuality, DefaultEffort: defaultEffort}
}

func (t *Transcoder) CanEncode(format core.Format) bool { return format == core.FormatWebP }

func (t *Transcoder) Encode(ctx context.Context, data []byte, p core.VariantProfile) (*core.Artifact, error) {
	src, err := decoder.Decode(ctx, data, apperrors.CategoryTranscode, "webp.decode")
	if err != nil {
		return nil, imgencoder.WithProfile(err, p.Name)
	}
	img := imgencoder.Resize(src, p)

	quality := p.Quality
	if quality <= 0 {
		quality = t.DefaultQuality
	}
	effort := p.Effort
	if effort <= 0 {
		effort = t.DefaultEffort
	}

	opts, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(quality))
	if err != nil {
		return nil, apperrors.ForProfile(apperrors.CategoryTranscode, "webp.options", p.Name, err)
	}
	opts.Method = effort

	if err := ctx.Err(); err != nil {
		return nil, apperrors.ForProfile(apperrors.CategoryTranscode, "webp.encode", p.Name, err)
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, opts); err != nil {
		return nil, apperrors.ForProfile(apperrors.CategoryTranscode, "webp.encode", p.Name, err)
	}

	b := img.Bounds()
	return &core.Artifact{
		Profile:     p.Name,
		Data:        buf.Bytes(),
		Format:      core.FormatWebP,
		ContentType: core.FormatWebP.MIMEType(),
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}

var _ core.Encoder = (*Transcoder)(nil)
