package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
	"github.com/Skryldev/media-pipeline/utils"
)

// Uploader writes artifacts to the object store and derives their public
// URLs from a fixed base.
type Uploader struct {
	Store         core.StorageAdapter
	PublicBaseURL string
	CacheControl  string
	Timeout       time.Duration // per upload; 0 = inherit ctx
}

// NewUploader returns an Uploader with the immutable cache policy.
func NewUploader(store core.StorageAdapter, publicBaseURL string, timeout time.Duration) *Uploader {
	return &Uploader{
		Store:         store,
		PublicBaseURL: publicBaseURL,
		CacheControl:  core.CacheControlImmutable,
		Timeout:       timeout,
	}
}

// URLFor returns the public URL of key.
func (u *Uploader) URLFor(key string) string {
	return strings.TrimRight(u.PublicBaseURL, "/") + "/" + strings.TrimLeft(key, "/")
}

// Upload stores data under key, overwriting any previous object, and
// returns its public URL.
func (u *Uploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if u.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}
	cc := u.CacheControl
	if cc == "" {
		cc = core.CacheControlImmutable
	}
	err := u.Store.Put(ctx, key, utils.BytesReader(data), int64(len(data)), core.PutOptions{
		ContentType:  contentType,
		CacheControl: cc,
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CategoryUpload, "upload", err)
	}
	return u.URLFor(key), nil
}

// Exists reports whether key is already present in the store.
func (u *Uploader) Exists(ctx context.Context, key string) (bool, error) {
	return u.Store.Exists(ctx, key)
}
