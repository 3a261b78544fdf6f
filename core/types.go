package core

import (
	"time"
)

// Format identifies an image codec.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
	FormatUnknown Format = "unknown"
)

// MIMEType returns the canonical content type for f.
func (f Format) MIMEType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	}
	return "application/octet-stream"
}

// Extension returns the file extension used for stored variants.
func (f Format) Extension() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// FitMode selects how a profile box is applied to the source.
type FitMode string

const (
	// FitCover scales and centre-crops to exactly fill the box.
	FitCover FitMode = "cover"
	// FitInside scales to fit within the box, preserving aspect ratio.
	FitInside FitMode = "inside"
)

// VariantProfile names one derived output and how to produce it.
// MaxWidth/MaxHeight of 0 leave that axis unbounded; a profile with both
// unbounded keeps the source dimensions (format-only transcode).
type VariantProfile struct {
	Name      string
	MaxWidth  int
	MaxHeight int
	Fit       FitMode
	Format    Format
	Quality   int  // 1-100
	Effort    int  // WebP compression effort 0-6
	Interlace bool // progressive JPEG
}

// SourceAsset identifies an image to process.  It is owned by the record
// store and read-only to the pipeline.  Width, Height and Variants reflect
// the stored state at query time.
type SourceAsset struct {
	ID          string
	OriginalURL string
	Filename    string
	Extension   string

	Width    *int
	Height   *int
	Variants VariantSet
}

// NeedsProcessing reports whether the stored row lacks metadata or variants.
func (a SourceAsset) NeedsProcessing() bool {
	return a.Width == nil || a.Height == nil || len(a.Variants) == 0
}

// ImageMetadata is derived from the original bytes on every successful run.
type ImageMetadata struct {
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	FileSizeBytes int64  `json:"fileSizeBytes"`
	MIMEType      string `json:"mimeType"`
	Format        Format `json:"format"`
}

// VariantSet maps a profile name to the public URL of its artifact.
// A profile missing from the set failed on the last run.
type VariantSet map[string]string

// Artifact is one encoded variant ready for upload.
type Artifact struct {
	Profile     string
	Data        []byte
	Format      Format
	ContentType string
	Width       int
	Height      int
}

// VariantWork is the unit passed through a per-profile step chain.  Source
// is shared by all profiles of an asset and must never be mutated.
type VariantWork struct {
	AssetID  string
	BaseName string
	Profile  VariantProfile
	Source   []byte

	Artifact *Artifact
	Key      string
	URL      string
	Skipped  bool // upload skipped because the object already exists
}

// ProcessingResult is the orchestrator's output for one asset.
type ProcessingResult struct {
	Metadata      ImageMetadata
	Variants      VariantSet
	ProfileErrors map[string]error

	// Observability.
	ProcessingTime time.Duration
	StepTimings    map[string]time.Duration
}

// Partial reports whether at least one profile failed.
func (r *ProcessingResult) Partial() bool { return len(r.ProfileErrors) > 0 }

// Filter scopes a reconciliation query.
type Filter struct {
	MediaID string // single asset when set
	Force   bool   // all assets regardless of state
	Limit   int    // 0 = no limit
}

// ErrorDetail describes one failed asset in a batch.
type ErrorDetail struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// BatchSummary aggregates a reconciliation run.
type BatchSummary struct {
	RunID        string        `json:"runId"`
	Processed    int           `json:"processed"`
	SuccessCount int           `json:"successCount"`
	ErrorCount   int           `json:"errorCount"`
	PartialCount int           `json:"partialCount"`
	ErrorDetails []ErrorDetail `json:"errorDetails,omitempty"`
	Duration     time.Duration `json:"-"`
}

// PutOptions carries object metadata for an upload.
type PutOptions struct {
	ContentType  string
	CacheControl string
}
