package errors

import (
	"errors"
	"fmt"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	CategoryDownload  Category = "download"
	CategoryDecode    Category = "decode"
	CategoryVariant   Category = "variant"
	CategoryTranscode Category = "transcode"
	CategoryUpload    Category = "upload"
	CategoryPersist   Category = "persist"
	CategoryPipeline  Category = "pipeline"
	CategoryStorage   Category = "storage"
	CategoryConfig    Category = "config"
	CategoryTransient Category = "transient"
	CategoryInput     Category = "input"
)

// ProcessingError is the structured error type used throughout the module.
type ProcessingError struct {
	Category  Category
	Op        string // operation name
	Profile   string // variant profile, empty for asset-level failures
	Err       error
	Retryable bool
}

func (e *ProcessingError) Error() string {
	if e.Profile != "" {
		return fmt.Sprintf("[%s] %s(%s): %v", e.Category, e.Op, e.Profile, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// New creates a non-retryable ProcessingError.
func New(category Category, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err}
}

// ForProfile creates a non-retryable ProcessingError bound to a variant profile.
func ForProfile(category Category, op, profile string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Profile: profile, Err: err}
}

// Transient creates a retryable ProcessingError.
func Transient(category Category, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context.  An error that already carries
// a category keeps it, so the innermost classification wins.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return err
	}
	return New(category, op, err)
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category == cat
	}
	return false
}

// CategoryOf returns the category of err, or CategoryPipeline when err is
// not a ProcessingError.
func CategoryOf(err error) Category {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryPipeline
}

// IsFatal reports whether err aborts processing of the whole asset.
// Download and decode failures are fatal; everything that happens per
// profile degrades to a partial variant set instead.
func IsFatal(err error) bool {
	return IsCategory(err, CategoryDownload) || IsCategory(err, CategoryDecode)
}

// Sentinel errors for common failure modes.
var (
	ErrUnsupportedFormat  = errors.New("unsupported image format")
	ErrInvalidDimensions  = errors.New("invalid dimensions")
	ErrEmptyInput         = errors.New("empty input")
	ErrTooLarge           = errors.New("input exceeds size limit")
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrQueueFull          = errors.New("work queue full")
	ErrLocked             = errors.New("asset is locked by another process")
)

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Status)
}
