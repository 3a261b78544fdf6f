package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrapKeepsInnerCategory(t *testing.T) {
	inner := New(CategoryDownload, "fetch", ErrEmptyInput)
	outer := Wrap(CategoryPipeline, "process", fmt.Errorf("asset 1: %w", inner))

	if !IsCategory(outer, CategoryDownload) {
		t.Fatalf("category: got %s, want download", CategoryOf(outer))
	}
	if !errors.Is(outer, ErrEmptyInput) {
		t.Error("wrapped error lost its sentinel")
	}
	if Wrap(CategoryPipeline, "noop", nil) != nil {
		t.Error("Wrap(nil) must return nil")
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"download", New(CategoryDownload, "fetch", context.DeadlineExceeded), true},
		{"decode", New(CategoryDecode, "extract", ErrUnsupportedFormat), true},
		{"variant", ForProfile(CategoryVariant, "generate", "large", ErrInvalidDimensions), false},
		{"upload", Transient(CategoryUpload, "put", ErrStorageUnavailable), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsFatal(tc.err); got != tc.want {
				t.Errorf("IsFatal: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTransientIsRetryable(t *testing.T) {
	err := Transient(CategoryUpload, "s3.put", ErrStorageUnavailable)
	if !IsRetryable(err) {
		t.Error("transient error should be retryable")
	}
	if IsRetryable(New(CategoryUpload, "s3.put", ErrStorageUnavailable)) {
		t.Error("plain error should not be retryable")
	}
}

func TestProfileErrorMessage(t *testing.T) {
	err := ForProfile(CategoryVariant, "generate", "thumbnail", ErrInvalidDimensions)
	want := "[variant] generate(thumbnail): invalid dimensions"
	if err.Error() != want {
		t.Errorf("message: got %q, want %q", err.Error(), want)
	}
}
