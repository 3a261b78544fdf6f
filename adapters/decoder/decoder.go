// Package decoder reads image headers and pixels with pure-Go codecs.
package decoder

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register GIF
	_ "image/jpeg" // register JPEG
	_ "image/png"  // register PNG

	_ "golang.org/x/image/bmp"  // register BMP
	_ "golang.org/x/image/tiff" // register TIFF
	_ "golang.org/x/image/webp" // register WebP (lossy and lossless decode)

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
	"github.com/Skryldev/media-pipeline/utils"
)

// Extractor implements core.Extractor using image.DecodeConfig, so only
// the header is parsed.
type Extractor struct{}

// NewExtractor returns an Extractor.
func NewExtractor() *Extractor { return &Extractor{} }

func (e *Extractor) Extract(ctx context.Context, data []byte) (core.ImageMetadata, error) {
	if err := ctx.Err(); err != nil {
		return core.ImageMetadata{}, apperrors.Wrap(apperrors.CategoryDecode, "extract", err)
	}
	if len(data) == 0 {
		return core.ImageMetadata{}, apperrors.New(apperrors.CategoryDecode, "extract", apperrors.ErrEmptyInput)
	}

	cfg, name, err := image.DecodeConfig(utils.BytesReader(data))
	if err != nil {
		return core.ImageMetadata{}, apperrors.New(apperrors.CategoryDecode, "extract",
			fmt.Errorf("%w: %v", apperrors.ErrUnsupportedFormat, err))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return core.ImageMetadata{}, apperrors.New(apperrors.CategoryDecode, "extract", apperrors.ErrInvalidDimensions)
	}

	format := core.Format(name)
	return core.ImageMetadata{
		Width:         cfg.Width,
		Height:        cfg.Height,
		FileSizeBytes: int64(len(data)),
		MIMEType:      format.MIMEType(),
		Format:        format,
	}, nil
}

// Decode fully decodes data into pixels.  category classifies failures so
// each caller reports them under its own stage.
func Decode(ctx context.Context, data []byte, category apperrors.Category, op string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(category, op, err)
	}
	if len(data) == 0 {
		return nil, apperrors.New(category, op, apperrors.ErrEmptyInput)
	}
	img, _, err := image.Decode(utils.BytesReader(data))
	if err != nil {
		return nil, apperrors.New(category, op, err)
	}
	return img, nil
}

// HasAlpha reports whether img can carry transparency.
func HasAlpha(img image.Image) bool {
	switch src := img.(type) {
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64, *image.Alpha, *image.Alpha16:
		return true
	case *image.Paletted:
		for _, c := range src.Palette {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

var _ core.Extractor = (*Extractor)(nil)
