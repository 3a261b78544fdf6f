package pipeline

import (
	"context"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

// VariantsExist reports whether the probe variant of base is already in the
// object store.  The probe is the first cover profile (the thumbnail in the
// default catalogue), falling back to the first profile.
func (o *Orchestrator) VariantsExist(ctx context.Context, base string) (bool, error) {
	p := o.probeProfile()
	ok, err := o.uploader.Exists(ctx, core.VariantKey(p.Name, base, p.Format))
	if err != nil {
		return false, apperrors.Wrap(apperrors.CategoryStorage, "variants_exist", err)
	}
	return ok, nil
}

func (o *Orchestrator) probeProfile() core.VariantProfile {
	for _, p := range o.profiles {
		if p.Fit == core.FitCover {
			return p
		}
	}
	return o.profiles[0]
}
