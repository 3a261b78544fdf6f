package core

import (
	"context"
	"io"
	"time"
)

// Downloader fetches the original bytes of an asset.
// Implementations live in adapters/fetch/.
type Downloader interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Extractor reads image headers and reports metadata.
// Implementations live in adapters/decoder/ and adapters/vips/.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (ImageMetadata, error)
}

// Encoder produces a variant from the original bytes according to a
// profile.  The resize generator and the WebP transcoder both satisfy it.
// Implementations must not modify data.
type Encoder interface {
	Encode(ctx context.Context, data []byte, profile VariantProfile) (*Artifact, error)
	CanEncode(format Format) bool
}

// StorageAdapter persists variant objects.
// Implementations live in adapters/storage/.
type StorageAdapter interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// RecordStore is the CMS data layer holding asset rows.
// Implementations live in adapters/recordstore/.
type RecordStore interface {
	FindAssetsNeedingProcessing(ctx context.Context, f Filter) ([]SourceAsset, error)
	UpdateAssetMetadataAndVariants(ctx context.Context, id string, meta ImageMetadata, variants VariantSet) error
}

// MetricsCollector receives performance observations from the pipeline.
type MetricsCollector interface {
	RecordProcessingTime(stepName string, d interface{ Seconds() float64 })
	RecordThroughput(bytes int64)
	RecordError(stepName string, category string)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Step is the fundamental pipeline building block.  Each Step transforms a
// *VariantWork value and must be safe for concurrent use across goroutines.
type Step interface {
	Name() string
	Execute(ctx context.Context, w *VariantWork) (*VariantWork, error)
}

// Hook is an optional observer invoked around pipeline steps.
type Hook interface {
	BeforeStep(ctx context.Context, stepName string, w *VariantWork)
	AfterStep(ctx context.Context, stepName string, w *VariantWork, d time.Duration, err error)
}

// Registry maps output formats to Encoder implementations.
type Registry interface {
	EncoderFor(format Format) (Encoder, bool)
	RegisterEncoder(format Format, e Encoder)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
