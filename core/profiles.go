package core

import (
	"fmt"
	"path"
	"strings"
)

// Default encode settings shared by the built-in profiles.
const (
	DefaultJPEGQuality = 85
	DefaultWebPQuality = 90
	DefaultWebPEffort  = 6

	// CacheControlImmutable is set on every uploaded variant; keys are
	// deterministic and overwritten in place, never versioned.
	CacheControlImmutable = "public, max-age=31536000, immutable"

	// VariantPrefix is the top-level key namespace for derived objects.
	VariantPrefix = "variants"
)

// DefaultProfiles is the process-wide variant catalogue: five size profiles
// and one format profile.
var DefaultProfiles = []VariantProfile{
	{Name: "thumbnail", MaxWidth: 150, MaxHeight: 150, Fit: FitCover, Format: FormatJPEG, Quality: DefaultJPEGQuality, Interlace: true},
	{Name: "small", MaxWidth: 400, Fit: FitInside, Format: FormatJPEG, Quality: DefaultJPEGQuality, Interlace: true},
	{Name: "medium", MaxWidth: 800, Fit: FitInside, Format: FormatJPEG, Quality: DefaultJPEGQuality, Interlace: true},
	{Name: "large", MaxWidth: 1200, Fit: FitInside, Format: FormatJPEG, Quality: DefaultJPEGQuality, Interlace: true},
	{Name: "xlarge", MaxWidth: 1920, Fit: FitInside, Format: FormatJPEG, Quality: DefaultJPEGQuality, Interlace: true},
	{Name: "webp", Fit: FitInside, Format: FormatWebP, Quality: DefaultWebPQuality, Effort: DefaultWebPEffort},
}

// ProfileNames returns the names of profiles in order.
func ProfileNames(profiles []VariantProfile) []string {
	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.Name
	}
	return names
}

// OverrideEncodeSettings returns a copy of profiles with the given quality
// and effort forced onto every profile of the matching format.  Zero values
// leave the profile's own setting alone.
func OverrideEncodeSettings(profiles []VariantProfile, jpegQuality, webpQuality, webpEffort int) []VariantProfile {
	out := make([]VariantProfile, len(profiles))
	copy(out, profiles)
	for i := range out {
		switch out[i].Format {
		case FormatJPEG:
			if jpegQuality > 0 {
				out[i].Quality = jpegQuality
			}
		case FormatWebP:
			if webpQuality > 0 {
				out[i].Quality = webpQuality
			}
			if webpEffort > 0 {
				out[i].Effort = webpEffort
			}
		}
	}
	return out
}

// ValidateProfiles checks a profile table for obvious mistakes.
func ValidateProfiles(profiles []VariantProfile) error {
	if len(profiles) == 0 {
		return fmt.Errorf("profiles: at least one profile is required")
	}
	seen := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		if p.Name == "" || strings.ContainsAny(p.Name, "/\\") {
			return fmt.Errorf("profiles: invalid name %q", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("profiles: duplicate name %q", p.Name)
		}
		seen[p.Name] = true
		if p.MaxWidth < 0 || p.MaxHeight < 0 {
			return fmt.Errorf("profiles: %s: negative dimensions", p.Name)
		}
		if p.Fit == FitCover && (p.MaxWidth == 0 || p.MaxHeight == 0) {
			return fmt.Errorf("profiles: %s: cover needs both dimensions", p.Name)
		}
		if p.Fit != FitCover && p.Fit != FitInside {
			return fmt.Errorf("profiles: %s: unknown fit %q", p.Name, p.Fit)
		}
		if p.Quality < 1 || p.Quality > 100 {
			return fmt.Errorf("profiles: %s: quality must be between 1 and 100", p.Name)
		}
	}
	return nil
}

// BaseFilename strips directories and the extension from filename.  The
// asset id is used when the filename is empty.
func BaseFilename(filename, fallback string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	name = strings.TrimSuffix(name, path.Ext(name))
	if name == "" || name == "." || name == "/" {
		return fallback
	}
	return name
}

// VariantKey returns the deterministic storage key for a profile artifact:
// variants/{profile}/{base}.{ext}.
func VariantKey(profile, base string, format Format) string {
	return fmt.Sprintf("%s/%s/%s.%s", VariantPrefix, profile, base, format.Extension())
}
