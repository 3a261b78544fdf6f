package encoder

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/Skryldev/media-pipeline/core"
	"github.com/Skryldev/media-pipeline/utils"
)

// Resize applies the profile box to src.  Inside-fit scales within the box
// preserving aspect ratio; cover-fit scales to fill and centre-crops.  Neither
// mode enlarges the source.
func Resize(src image.Image, p core.VariantProfile) image.Image {
	b := src.Bounds()
	srcW, srcH := b.Dx(), b.Dy()

	switch p.Fit {
	case core.FitCover:
		w, h := utils.CoverBox(srcW, srcH, p.MaxWidth, p.MaxHeight)
		if w == srcW && h == srcH {
			return src
		}
		return imaging.Fill(src, w, h, imaging.Center, imaging.Lanczos)
	default:
		w, h := utils.FitInside(srcW, srcH, p.MaxWidth, p.MaxHeight)
		if w == srcW && h == srcH {
			return src
		}
		return imaging.Resize(src, w, h, imaging.Lanczos)
	}
}

// Flatten composites img onto an opaque background, dropping alpha.
func Flatten(img image.Image, bg color.Color) *image.NRGBA {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), bg)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}
