package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/Skryldev/media-pipeline/adapters/recordstore"
	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
	"github.com/Skryldev/media-pipeline/pipeline"
)

// ── Test doubles ──────────────────────────────────────────────────────────────

type fakeProcessor struct {
	mu       sync.Mutex
	fail     map[string]error
	partial  map[string]bool
	calls    map[string]int
	optCount int32
	block    chan struct{} // when set, ProcessAsset waits on it
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{fail: map[string]error{}, partial: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeProcessor) ProcessAsset(ctx context.Context, a core.SourceAsset, opts ...pipeline.ProcessOption) (*core.ProcessingResult, error) {
	f.mu.Lock()
	f.calls[a.ID]++
	err := f.fail[a.ID]
	partial := f.partial[a.ID]
	f.mu.Unlock()
	atomic.AddInt32(&f.optCount, int32(len(opts)))

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	res := &core.ProcessingResult{
		Metadata: core.ImageMetadata{Width: 100, Height: 50, FileSizeBytes: 10, MIMEType: "image/jpeg", Format: core.FormatJPEG},
		Variants: core.VariantSet{"small": "https://cdn/variants/small/" + a.ID + ".jpg"},
	}
	if partial {
		res.ProfileErrors = map[string]error{"large": apperrors.ForProfile(apperrors.CategoryUpload, "upload", "large", errors.New("denied"))}
	}
	return res, nil
}

func (f *fakeProcessor) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type countingRecorder struct{ ok, failed int32 }

func (c *countingRecorder) RecordAsset(ok bool) {
	if ok {
		atomic.AddInt32(&c.ok, 1)
		return
	}
	atomic.AddInt32(&c.failed, 1)
}

func seedMemory(t *testing.T, n int) *recordstore.Memory {
	t.Helper()
	m := recordstore.NewMemory()
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("a%d", i)
		if err := m.CreateAsset(context.Background(), core.SourceAsset{
			ID: id, OriginalURL: "https://origin/" + id + ".jpg", Filename: id + ".jpg",
		}); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func newService(t *testing.T, proc Processor, rec core.RecordStore, mutate func(*Options)) *Service {
	t.Helper()
	opts := Options{Processor: proc, Records: rec}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewService(opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func downloadErr(id string) error {
	return apperrors.New(apperrors.CategoryDownload, "fetch", &apperrors.StatusError{URL: "https://origin/" + id + ".jpg", Status: 404})
}

// ── ScanAndRepair ─────────────────────────────────────────────────────────────

func TestScanAndRepair_BatchIsolation(t *testing.T) {
	rec := seedMemory(t, 5)
	proc := newFakeProcessor()
	proc.fail["a3"] = downloadErr("a3")
	svc := newService(t, proc, rec, nil)

	sum, err := svc.ScanAndRepair(context.Background(), core.Filter{})
	if err != nil {
		t.Fatalf("ScanAndRepair: %v", err)
	}
	if sum.Processed != 5 || sum.SuccessCount != 4 || sum.ErrorCount != 1 {
		t.Errorf("summary: %+v", sum)
	}
	if len(sum.ErrorDetails) != 1 || sum.ErrorDetails[0].ID != "a3" || sum.ErrorDetails[0].Filename != "a3.jpg" {
		t.Fatalf("error details: %+v", sum.ErrorDetails)
	}
	if sum.ErrorDetails[0].Error == "" {
		t.Error("error message missing")
	}
	if sum.RunID == "" {
		t.Error("run id missing")
	}
	if rec.Writes != 4 {
		t.Errorf("persisted rows: got %d, want 4", rec.Writes)
	}
	for _, id := range []string{"a1", "a2", "a4", "a5"} {
		if proc.callsFor(id) != 1 {
			t.Errorf("%s processed %d times", id, proc.callsFor(id))
		}
	}
}

func TestScanAndRepair_Converges(t *testing.T) {
	rec := seedMemory(t, 3)
	proc := newFakeProcessor()
	proc.fail["a2"] = downloadErr("a2")
	svc := newService(t, proc, rec, nil)
	ctx := context.Background()

	if _, err := svc.ScanAndRepair(ctx, core.Filter{}); err != nil {
		t.Fatal(err)
	}
	second, err := svc.ScanAndRepair(ctx, core.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if second.Processed != 1 || second.ErrorDetails[0].ID != "a2" {
		t.Errorf("second scan should only retry the failed asset: %+v", second)
	}

	proc.mu.Lock()
	delete(proc.fail, "a2")
	proc.mu.Unlock()
	if _, err := svc.ScanAndRepair(ctx, core.Filter{}); err != nil {
		t.Fatal(err)
	}
	last, err := svc.ScanAndRepair(ctx, core.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if last.Processed != 0 {
		t.Errorf("store did not converge: %+v", last)
	}
}

func TestScanAndRepair_PartialCountsAsSuccess(t *testing.T) {
	rec := seedMemory(t, 2)
	proc := newFakeProcessor()
	proc.partial["a1"] = true
	svc := newService(t, proc, rec, nil)

	sum, err := svc.ScanAndRepair(context.Background(), core.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.SuccessCount != 2 || sum.ErrorCount != 0 || sum.PartialCount != 1 {
		t.Errorf("summary: %+v", sum)
	}
	a, _ := rec.GetAsset(context.Background(), "a1")
	if a.NeedsProcessing() {
		t.Error("partial result was not persisted")
	}
}

func TestScanAndRepair_PersistFailure(t *testing.T) {
	rec := seedMemory(t, 2)
	rec.FailUpdate = func(id string) error {
		if id == "a2" {
			return errors.New("database is locked")
		}
		return nil
	}
	svc := newService(t, newFakeProcessor(), rec, nil)

	sum, err := svc.ScanAndRepair(context.Background(), core.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.ErrorCount != 1 || sum.ErrorDetails[0].ID != "a2" {
		t.Fatalf("summary: %+v", sum)
	}
	if err := svc.RepairAsset(context.Background(), core.SourceAsset{ID: "a2", OriginalURL: "x"}); !apperrors.IsCategory(err, apperrors.CategoryPersist) {
		t.Errorf("RepairAsset: got %v, want persist error", err)
	}
}

func TestScanAndRepair_ConcurrentWorkersKeepOrder(t *testing.T) {
	rec := seedMemory(t, 12)
	proc := newFakeProcessor()
	for _, id := range []string{"a2", "a7", "a11"} {
		proc.fail[id] = downloadErr(id)
	}
	svc := newService(t, proc, rec, func(o *Options) { o.Workers = 4 })

	sum, err := svc.ScanAndRepair(context.Background(), core.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Processed != 12 || sum.ErrorCount != 3 {
		t.Fatalf("summary: %+v", sum)
	}
	want := []string{"a2", "a7", "a11"}
	for i, d := range sum.ErrorDetails {
		if d.ID != want[i] {
			t.Errorf("detail %d: got %s, want %s", i, d.ID, want[i])
		}
	}
}

func TestScanAndRepair_ScopeAndForce(t *testing.T) {
	rec := seedMemory(t, 3)
	proc := newFakeProcessor()
	svc := newService(t, proc, rec, nil)
	ctx := context.Background()

	one, err := svc.ScanAndRepair(ctx, core.Filter{MediaID: "a2"})
	if err != nil {
		t.Fatal(err)
	}
	if one.Processed != 1 || proc.callsFor("a2") != 1 || proc.callsFor("a1") != 0 {
		t.Errorf("single asset scope: %+v", one)
	}
	if atomic.LoadInt32(&proc.optCount) != 0 {
		t.Error("force option passed without forceRegenerate")
	}

	all, err := svc.ScanAndRepair(ctx, core.Filter{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if all.Processed != 3 {
		t.Errorf("force scope: %+v", all)
	}
	if atomic.LoadInt32(&proc.optCount) != 3 {
		t.Errorf("force option count: %d", proc.optCount)
	}

	if _, err := svc.ScanAndRepair(ctx, core.Filter{MediaID: "missing"}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("unknown id: got %v", err)
	}
}

// ── Mutual exclusion ──────────────────────────────────────────────────────────

func TestRepair_ConcurrentCallsShareOneRun(t *testing.T) {
	rec := seedMemory(t, 1)
	proc := newFakeProcessor()
	proc.block = make(chan struct{})
	metrics := &countingRecorder{}
	svc := newService(t, proc, rec, func(o *Options) { o.Metrics = metrics })
	asset, _ := rec.GetAsset(context.Background(), "a1")

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.RepairAsset(context.Background(), asset)
		}(i)
	}
	// Give the goroutines time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(proc.block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := proc.callsFor("a1"); n != 1 {
		t.Errorf("processed %d times, want 1", n)
	}
	if metrics.ok != 1 {
		t.Errorf("asset recorded %d times, want 1", metrics.ok)
	}
}

func TestRepair_ForcedCallerDoesNotJoinUnforcedRun(t *testing.T) {
	rec := seedMemory(t, 1)
	proc := newFakeProcessor()
	proc.block = make(chan struct{})
	svc := newService(t, proc, rec, nil)
	asset, _ := rec.GetAsset(context.Background(), "a1")

	waitCalls := func(n int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for proc.callsFor("a1") < n {
			if time.Now().After(deadline) {
				t.Fatalf("processor calls: got %d, want %d", proc.callsFor("a1"), n)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = svc.RepairAsset(context.Background(), asset)
	}()
	waitCalls(1)
	go func() {
		defer wg.Done()
		errs[1] = svc.RepairAsset(context.Background(), asset, pipeline.Force())
	}()
	// The forced caller starts its own run while the first is still blocked.
	waitCalls(2)
	close(proc.block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&proc.optCount); got != 1 {
		t.Errorf("force options seen: %d, want 1", got)
	}
}

func TestLocker_FileLockHeldElsewhere(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocker(dir)
	if err != nil {
		t.Fatal(err)
	}
	other := flock.New(filepath.Join(dir, "a1.lock"))
	if ok, err := other.TryLock(); !ok || err != nil {
		t.Fatalf("external lock: %v %v", ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	ran := false
	_, _, err = l.Do(ctx, "a1", false, func() (*core.ProcessingResult, error) { ran = true; return nil, nil })
	if err == nil || ran {
		t.Fatalf("lock not honoured: err=%v ran=%v", err, ran)
	}

	_ = other.Unlock()
	if _, _, err := l.Do(context.Background(), "a1", false, func() (*core.ProcessingResult, error) { ran = true; return nil, nil }); err != nil || !ran {
		t.Errorf("after release: err=%v ran=%v", err, ran)
	}
}

// ── Async queue ───────────────────────────────────────────────────────────────

func TestEnqueue_ProcessesInBackground(t *testing.T) {
	rec := seedMemory(t, 2)
	proc := newFakeProcessor()
	svc := newService(t, proc, rec, func(o *Options) { o.Workers = 2 })
	svc.Start()

	for _, id := range []string{"a1", "a2"} {
		a, _ := rec.GetAsset(context.Background(), id)
		if err := svc.Enqueue(context.Background(), a); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	svc.Stop()

	if rec.Writes != 2 {
		t.Errorf("background writes: got %d, want 2", rec.Writes)
	}
	if err := svc.Enqueue(context.Background(), core.SourceAsset{ID: "late"}); err == nil {
		t.Error("enqueue after Stop accepted")
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	svc := newService(t, newFakeProcessor(), recordstore.NewMemory(), func(o *Options) { o.QueueSize = 1 })
	// Not started: nothing drains the queue.
	_ = svc.Enqueue(context.Background(), core.SourceAsset{ID: "1"})
	err := svc.Enqueue(context.Background(), core.SourceAsset{ID: "2"})
	if !errors.Is(err, apperrors.ErrQueueFull) {
		t.Errorf("got %v, want ErrQueueFull", err)
	}
}

func TestNewService_Validation(t *testing.T) {
	if _, err := NewService(Options{}); !apperrors.IsCategory(err, apperrors.CategoryConfig) {
		t.Errorf("got %v", err)
	}
}
