package reconcile

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

// Locker serialises work on a single asset.  Concurrent callers in the same
// process share one run through singleflight.  When a lock directory is set,
// an advisory file lock also keeps other processes off the asset; that lock
// is best effort and not a correctness guarantee.
type Locker struct {
	group singleflight.Group
	dir   string
	retry time.Duration
}

// NewLocker returns a Locker.  An empty dir disables file locking.
func NewLocker(dir string) (*Locker, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("lock dir %s: %w", dir, err)
		}
	}
	return &Locker{dir: dir, retry: 100 * time.Millisecond}, nil
}

// Do runs fn for id unless a run for id with the same force flag is already
// in flight, in which case it waits for that run and returns its outcome.
// A forced caller never joins an unforced run.  shared is true only for
// callers that joined another caller's run.
func (l *Locker) Do(ctx context.Context, id string, force bool, fn func() (*core.ProcessingResult, error)) (res *core.ProcessingResult, shared bool, err error) {
	key := id
	if force {
		key += "\x00force"
	}
	ran := false
	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		ran = true
		if l.dir == "" {
			return fn()
		}
		fl := flock.New(l.lockPath(id))
		ok, err := fl.TryLockContext(ctx, l.retry)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryPipeline, "lock", err)
		}
		if !ok {
			return nil, apperrors.New(apperrors.CategoryPipeline, "lock", apperrors.ErrLocked)
		}
		defer func() { _ = fl.Unlock() }()
		return fn()
	})
	if r, ok := v.(*core.ProcessingResult); ok {
		res = r
	}
	return res, !ran, err
}

func (l *Locker) lockPath(id string) string {
	return filepath.Join(l.dir, url.PathEscape(id)+".lock")
}
