// Package storage provides StorageAdapter implementations.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

// Local stores objects on the local filesystem under rootDir.  Object
// metadata is kept in a side-car JSON file next to each object so the HTTP
// adapter can replay Content-Type and Cache-Control when serving.
type Local struct {
	rootDir     string
	permissions os.FileMode
}

// ObjectMeta is the side-car content written by Local.
type ObjectMeta struct {
	ContentType  string `json:"contentType,omitempty"`
	CacheControl string `json:"cacheControl,omitempty"`
	Size         int64  `json:"size"`
}

const metaSuffix = ".meta.json"

// NewLocal creates a Local storage adapter rooted at dir.
func NewLocal(dir string, perm os.FileMode) (*Local, error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: mkdir %s: %w", dir, err)
	}
	return &Local{rootDir: dir, permissions: perm}, nil
}

// Root returns the directory objects are stored under.
func (l *Local) Root() string { return l.rootDir }

// absPath maps a slash-separated key into rootDir, rejecting keys that
// would escape it.
func (l *Local) absPath(key string) (string, error) {
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid key %q", key)
		}
	}
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(l.rootDir, filepath.FromSlash(clean)), nil
}

// Put writes to a temporary file and renames it into place, so readers
// never observe a half-written variant.
func (l *Local) Put(ctx context.Context, key string, r io.Reader, size int64, opts core.PutOptions) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryUpload, "local.put", err)
	}
	fp, err := l.absPath(key)
	if err != nil {
		return apperrors.New(apperrors.CategoryUpload, "local.put", err)
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return apperrors.Wrap(apperrors.CategoryUpload, "local.put.mkdir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fp), ".upload-*")
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryUpload, "local.put.open", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryUpload, "local.put.copy", err)
	}
	if size >= 0 && n != size {
		return apperrors.New(apperrors.CategoryUpload, "local.put.copy", fmt.Errorf("short write: %d of %d bytes", n, size))
	}
	if err := os.Chmod(tmp.Name(), l.permissions); err != nil {
		return apperrors.Wrap(apperrors.CategoryUpload, "local.put.chmod", err)
	}
	if err := os.Rename(tmp.Name(), fp); err != nil {
		return apperrors.Wrap(apperrors.CategoryUpload, "local.put.rename", err)
	}

	meta, _ := json.Marshal(ObjectMeta{ContentType: opts.ContentType, CacheControl: opts.CacheControl, Size: n})
	if err := os.WriteFile(fp+metaSuffix, meta, l.permissions); err != nil {
		return apperrors.Wrap(apperrors.CategoryUpload, "local.put.meta", err)
	}
	return nil
}

func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.get", err)
	}
	fp, err := l.absPath(key)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryStorage, "local.get", err)
	}
	f, err := os.Open(fp)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.New(apperrors.CategoryStorage, "local.get", fmt.Errorf("%w: %s", apperrors.ErrNotFound, key))
		}
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.get.open", err)
	}
	return f, nil
}

// Meta returns the side-car metadata of key.
func (l *Local) Meta(key string) (ObjectMeta, error) {
	var m ObjectMeta
	fp, err := l.absPath(key)
	if err != nil {
		return m, err
	}
	b, err := os.ReadFile(fp + metaSuffix)
	if err != nil {
		return m, err
	}
	return m, json.Unmarshal(b, &m)
}

func (l *Local) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.delete", err)
	}
	fp, err := l.absPath(key)
	if err != nil {
		return apperrors.New(apperrors.CategoryStorage, "local.delete", err)
	}
	if err := os.Remove(fp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.delete", err)
	}
	_ = os.Remove(fp + metaSuffix)
	return nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.Wrap(apperrors.CategoryStorage, "local.exists", err)
	}
	fp, err := l.absPath(key)
	if err != nil {
		return false, apperrors.New(apperrors.CategoryStorage, "local.exists", err)
	}
	_, err = os.Stat(fp)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, apperrors.Wrap(apperrors.CategoryStorage, "local.exists.stat", err)
}

var _ core.StorageAdapter = (*Local)(nil)
