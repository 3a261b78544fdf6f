package vips

import (
	"context"
	"fmt"
	"runtime"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
	"github.com/Skryldev/media-pipeline/utils"
)

// BackendConfig configures the libvips backend.
type BackendConfig struct {
	JPEGQuality  int
	WebPQuality  int
	WebPEffort   int
	MaxCacheSize int
	MaxWorkers   int
	ReportLeaks  bool
}

// Backend is a libvips-powered Extractor and Encoder for every profile
// format.  Safe for concurrent use across goroutines.
type Backend struct {
	cfg BackendConfig
}

// NewBackend initialises libvips and returns a ready Backend.
// Call Shutdown() when the process exits.
func NewBackend(cfg BackendConfig) *Backend {
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = core.DefaultJPEGQuality
	}
	if cfg.WebPQuality <= 0 {
		cfg.WebPQuality = core.DefaultWebPQuality
	}
	if cfg.WebPEffort <= 0 {
		cfg.WebPEffort = core.DefaultWebPEffort
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	govips.LoggingSettings(nil, govips.LogLevelWarning)
	govips.Startup(&govips.Config{
		ConcurrencyLevel: cfg.MaxWorkers,
		MaxCacheSize:     cfg.MaxCacheSize,
		ReportLeaks:      cfg.ReportLeaks,
	})
	return &Backend{cfg: cfg}
}

// Shutdown releases all libvips resources. Call once at process exit.
func (b *Backend) Shutdown() {
	govips.Shutdown()
}

// ─── Extractor ────────────────────────────────────────────────────────────────

func (b *Backend) Extract(ctx context.Context, data []byte) (core.ImageMetadata, error) {
	if err := ctx.Err(); err != nil {
		return core.ImageMetadata{}, apperrors.Wrap(apperrors.CategoryDecode, "vips.extract", err)
	}
	if len(data) == 0 {
		return core.ImageMetadata{}, apperrors.New(apperrors.CategoryDecode, "vips.extract", apperrors.ErrEmptyInput)
	}

	ref, err := govips.NewImageFromBuffer(data)
	if err != nil {
		return core.ImageMetadata{}, apperrors.New(apperrors.CategoryDecode, "vips.extract", err)
	}
	defer ref.Close()

	format := vipsFormatToCore(ref.Format())
	if format == core.FormatUnknown {
		format = core.Format(utils.DetectFormat(data))
	}
	return core.ImageMetadata{
		Width:         ref.Width(),
		Height:        ref.Height(),
		FileSizeBytes: int64(len(data)),
		MIMEType:      format.MIMEType(),
		Format:        format,
	}, nil
}

// ─── Encoder ──────────────────────────────────────────────────────────────────

func (b *Backend) CanEncode(f core.Format) bool {
	return f == core.FormatJPEG || f == core.FormatWebP
}

func (b *Backend) Encode(ctx context.Context, data []byte, p core.VariantProfile) (*core.Artifact, error) {
	category := apperrors.CategoryVariant
	if p.Format == core.FormatWebP {
		category = apperrors.CategoryTranscode
	}
	fail := func(op string, err error) error {
		return apperrors.ForProfile(category, op, p.Name, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fail("vips.encode", err)
	}
	if len(data) == 0 {
		return nil, fail("vips.encode", apperrors.ErrEmptyInput)
	}

	ref, err := b.load(data, p)
	if err != nil {
		return nil, fail("vips.load", err)
	}
	defer ref.Close()

	var (
		buf []byte
		ct  string
	)
	switch p.Format {
	case core.FormatJPEG:
		if ref.HasAlpha() {
			if err := ref.Flatten(&govips.Color{R: 255, G: 255, B: 255}); err != nil {
				return nil, fail("vips.flatten", err)
			}
		}
		ep := govips.NewJpegExportParams()
		ep.Quality = qualityOr(p.Quality, b.cfg.JPEGQuality)
		ep.Interlace = p.Interlace
		ep.StripMetadata = true
		buf, _, err = ref.ExportJpeg(ep)
		if err != nil {
			return nil, fail("vips.encode.jpeg", err)
		}
		ct = core.FormatJPEG.MIMEType()

	case core.FormatWebP:
		ep := govips.NewWebpExportParams()
		ep.Quality = qualityOr(p.Quality, b.cfg.WebPQuality)
		ep.ReductionEffort = qualityOr(p.Effort, b.cfg.WebPEffort)
		ep.StripMetadata = true
		buf, _, err = ref.ExportWebp(ep)
		if err != nil {
			return nil, fail("vips.encode.webp", err)
		}
		ct = core.FormatWebP.MIMEType()

	default:
		return nil, fail("vips.encode", fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, p.Format))
	}

	return &core.Artifact{
		Profile:     p.Name,
		Data:        buf,
		Format:      p.Format,
		ContentType: ct,
		Width:       ref.Width(),
		Height:      ref.Height(),
	}, nil
}

// load decodes data already sized for the profile.  vips_thumbnail uses
// shrink-on-load for JPEG so the full bitmap is never allocated.
func (b *Backend) load(data []byte, p core.VariantProfile) (*govips.ImageRef, error) {
	if p.MaxWidth == 0 && p.MaxHeight == 0 {
		return govips.NewImageFromBuffer(data)
	}

	probe, err := govips.NewImageFromBuffer(data)
	if err != nil {
		return nil, err
	}
	srcW, srcH := probe.Width(), probe.Height()
	probe.Close()

	switch p.Fit {
	case core.FitCover:
		w, h := utils.CoverBox(srcW, srcH, p.MaxWidth, p.MaxHeight)
		return govips.NewThumbnailWithSizeFromBuffer(data, w, h, govips.InterestingCentre, govips.SizeDown)
	default:
		w, h := utils.FitInside(srcW, srcH, p.MaxWidth, p.MaxHeight)
		if w == srcW && h == srcH {
			return govips.NewImageFromBuffer(data)
		}
		return govips.NewThumbnailWithSizeFromBuffer(data, w, h, govips.InterestingNone, govips.SizeForce)
	}
}

// ─── RegisterVipsBackend ──────────────────────────────────────────────────────

// RegisterVipsBackend replaces the pure-Go encoders with libvips for every
// profile format.
func RegisterVipsBackend(reg core.Registry, b *Backend) {
	for _, f := range []core.Format{core.FormatJPEG, core.FormatWebP} {
		reg.RegisterEncoder(f, b)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func qualityOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func vipsFormatToCore(f govips.ImageType) core.Format {
	switch f {
	case govips.ImageTypeJPEG:
		return core.FormatJPEG
	case govips.ImageTypePNG:
		return core.FormatPNG
	case govips.ImageTypeWEBP:
		return core.FormatWebP
	case govips.ImageTypeGIF:
		return core.FormatGIF
	case govips.ImageTypeTIFF:
		return core.FormatTIFF
	case govips.ImageTypeBMP:
		return core.FormatBMP
	default:
		return core.FormatUnknown
	}
}

// compile-time interface checks
var _ core.Extractor = (*Backend)(nil)
var _ core.Encoder = (*Backend)(nil)
