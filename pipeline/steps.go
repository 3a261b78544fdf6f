package pipeline

import (
	"context"
	"fmt"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

// ── Encode ────────────────────────────────────────────────────────────────────

// EncodeStep produces the profile artifact with the Encoder registered for
// the profile's output format.
type EncodeStep struct {
	Registry core.Registry
}

func (s *EncodeStep) Name() string { return "encode" }

func (s *EncodeStep) Execute(ctx context.Context, w *core.VariantWork) (*core.VariantWork, error) {
	cat := apperrors.CategoryVariant
	if w.Profile.Format == core.FormatWebP {
		cat = apperrors.CategoryTranscode
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.ForProfile(cat, s.Name(), w.Profile.Name, err)
	}

	enc, ok := s.Registry.EncoderFor(w.Profile.Format)
	if !ok || !enc.CanEncode(w.Profile.Format) {
		return nil, apperrors.ForProfile(cat, s.Name(), w.Profile.Name,
			fmt.Errorf("%w: no encoder for %s", apperrors.ErrUnsupportedFormat, w.Profile.Format))
	}

	art, err := enc.Encode(ctx, w.Source, w.Profile)
	if err != nil {
		return nil, tagProfile(apperrors.Wrap(cat, s.Name(), err), w.Profile.Name)
	}

	out := *w
	out.Artifact = art
	return &out, nil
}

// ── Upload ────────────────────────────────────────────────────────────────────

// UploadStep stores the artifact under its deterministic key and records
// the public URL.  With SkipExisting a present object is left untouched.
type UploadStep struct {
	Uploader     *Uploader
	SkipExisting bool
}

func (s *UploadStep) Name() string { return "upload" }

func (s *UploadStep) Execute(ctx context.Context, w *core.VariantWork) (*core.VariantWork, error) {
	if w.Artifact == nil {
		return nil, apperrors.ForProfile(apperrors.CategoryUpload, s.Name(), w.Profile.Name, apperrors.ErrEmptyInput)
	}
	out := *w
	out.Key = core.VariantKey(w.Profile.Name, w.BaseName, w.Artifact.Format)

	if s.SkipExisting {
		exists, err := s.Uploader.Exists(ctx, out.Key)
		if err == nil && exists {
			out.URL = s.Uploader.URLFor(out.Key)
			out.Skipped = true
			return &out, nil
		}
	}

	url, err := s.Uploader.Upload(ctx, out.Key, w.Artifact.Data, w.Artifact.ContentType)
	if err != nil {
		return nil, tagProfile(err, w.Profile.Name)
	}
	out.URL = url
	return &out, nil
}

// tagProfile sets the profile on a ProcessingError that lacks one.
func tagProfile(err error, profile string) error {
	if pe, ok := err.(*apperrors.ProcessingError); ok && pe.Profile == "" {
		cp := *pe
		cp.Profile = profile
		return &cp
	}
	return err
}

var _ core.Step = (*EncodeStep)(nil)
var _ core.Step = (*UploadStep)(nil)
