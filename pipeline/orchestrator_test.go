package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Skryldev/media-pipeline/adapters/decoder"
	"github.com/Skryldev/media-pipeline/adapters/encoder"
	"github.com/Skryldev/media-pipeline/config"
	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

const publicBase = "https://cdn.example.com"

// ── Test doubles ──────────────────────────────────────────────────────────────

type fakeDownloader struct {
	files map[string][]byte
	calls int
	mu    sync.Mutex
}

func (d *fakeDownloader) Fetch(_ context.Context, url string) ([]byte, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	b, ok := d.files[url]
	if !ok {
		return nil, apperrors.New(apperrors.CategoryDownload, "fetch", &apperrors.StatusError{URL: url, Status: 404})
	}
	return b, nil
}

// memStore is an in-memory StorageAdapter.  failPut, when set, decides per
// key whether a Put fails.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	opts    map[string]core.PutOptions
	puts    int
	heads   int
	failPut func(key string, attempt int) error
	tries   map[string]int
	stall   bool // Put blocks until its context ends
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, opts: map[string]core.PutOptions{}, tries: map[string]int{}}
}

func (m *memStore) Put(ctx context.Context, key string, r io.Reader, _ int64, opts core.PutOptions) error {
	b, _ := io.ReadAll(r)
	if m.stall {
		m.mu.Lock()
		m.tries[key]++
		m.mu.Unlock()
		<-ctx.Done()
		return apperrors.Transient(apperrors.CategoryUpload, "put", ctx.Err())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tries[key]++
	if m.failPut != nil {
		if err := m.failPut(key, m.tries[key]); err != nil {
			return err
		}
	}
	m.objects[key] = b
	m.opts[key] = opts
	m.puts++
	return nil
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads++
	_, ok := m.objects[key]
	return ok, nil
}

// fakeWebP stands in for the libwebp transcoder: it keeps the source
// dimensions and emits a marker payload.
type fakeWebP struct{}

func (fakeWebP) CanEncode(f core.Format) bool { return f == core.FormatWebP }

func (fakeWebP) Encode(_ context.Context, data []byte, p core.VariantProfile) (*core.Artifact, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.ForProfile(apperrors.CategoryTranscode, "fake.webp", p.Name, err)
	}
	return &core.Artifact{
		Profile: p.Name, Data: []byte("RIFF-webp"), Format: core.FormatWebP,
		ContentType: "image/webp", Width: cfg.Width, Height: cfg.Height,
	}, nil
}

// failingEncoder delegates to Encoder except for one profile.
type failingEncoder struct {
	core.Encoder
	profile string
}

func (f *failingEncoder) Encode(ctx context.Context, data []byte, p core.VariantProfile) (*core.Artifact, error) {
	if p.Name == f.profile {
		return nil, apperrors.ForProfile(apperrors.CategoryVariant, "encode", p.Name, errors.New("resampler exploded"))
	}
	return f.Encoder.Encode(ctx, data, p)
}

func newJPEG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	orch  *Orchestrator
	dl    *fakeDownloader
	store *memStore
}

func newFixture(t *testing.T, files map[string][]byte, mutate func(*Options)) *fixture {
	t.Helper()
	reg := core.NewRegistry()
	reg.RegisterEncoder(core.FormatJPEG, encoder.NewJPEG(0))
	reg.RegisterEncoder(core.FormatWebP, fakeWebP{})

	dl := &fakeDownloader{files: files}
	store := newMemStore()
	opts := Options{
		Downloader:     dl,
		Extractor:      decoder.NewExtractor(),
		Registry:       reg,
		Uploader:       NewUploader(store, publicBase, time.Second),
		ProfileWorkers: 3,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	orch, err := NewOrchestrator(opts)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &fixture{orch: orch, dl: dl, store: store}
}

func asset(id, url string) core.SourceAsset {
	return core.SourceAsset{ID: id, OriginalURL: url, Filename: "uploads/" + id + ".jpg", Extension: "jpg"}
}

// ── Scenarios ─────────────────────────────────────────────────────────────────

func TestProcessAsset_3000x2000(t *testing.T) {
	url := "https://origin.example.com/photo.jpg"
	raw := newJPEG(t, 3000, 2000)
	f := newFixture(t, map[string][]byte{url: raw}, nil)

	res, err := f.orch.ProcessAsset(context.Background(), asset("photo", url))
	if err != nil {
		t.Fatalf("ProcessAsset: %v", err)
	}
	if res.Partial() {
		t.Fatalf("unexpected profile errors: %v", res.ProfileErrors)
	}
	want := core.ImageMetadata{Width: 3000, Height: 2000, FileSizeBytes: int64(len(raw)), MIMEType: "image/jpeg", Format: core.FormatJPEG}
	if res.Metadata != want {
		t.Errorf("metadata: got %+v, want %+v", res.Metadata, want)
	}

	wantURLs := map[string]string{
		"thumbnail": publicBase + "/variants/thumbnail/photo.jpg",
		"small":     publicBase + "/variants/small/photo.jpg",
		"medium":    publicBase + "/variants/medium/photo.jpg",
		"large":     publicBase + "/variants/large/photo.jpg",
		"xlarge":    publicBase + "/variants/xlarge/photo.jpg",
		"webp":      publicBase + "/variants/webp/photo.webp",
	}
	if len(res.Variants) != len(wantURLs) {
		t.Errorf("variants: got %d, want %d", len(res.Variants), len(wantURLs))
	}
	for name, u := range wantURLs {
		if res.Variants[name] != u {
			t.Errorf("%s: got %q, want %q", name, res.Variants[name], u)
		}
	}

	dims := map[string][2]int{"thumbnail": {150, 150}, "small": {400, 267}, "xlarge": {1920, 1280}}
	for name, d := range dims {
		key := core.VariantKey(name, "photo", core.FormatJPEG)
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(f.store.objects[key]))
		if err != nil {
			t.Fatalf("%s: stored object is not a JPEG: %v", name, err)
		}
		if cfg.Width != d[0] || cfg.Height != d[1] {
			t.Errorf("%s: got %dx%d, want %dx%d", name, cfg.Width, cfg.Height, d[0], d[1])
		}
	}

	for key, o := range f.store.opts {
		if o.CacheControl != core.CacheControlImmutable {
			t.Errorf("%s: cache control %q", key, o.CacheControl)
		}
		if strings.HasSuffix(key, ".webp") != (o.ContentType == "image/webp") {
			t.Errorf("%s: content type %q", key, o.ContentType)
		}
	}
}

func TestProcessAsset_Idempotent(t *testing.T) {
	url := "https://origin.example.com/a.jpg"
	f := newFixture(t, map[string][]byte{url: newJPEG(t, 640, 480)}, nil)

	first, err := f.orch.ProcessAsset(context.Background(), asset("a", url))
	if err != nil {
		t.Fatal(err)
	}
	keys := len(f.store.objects)
	second, err := f.orch.ProcessAsset(context.Background(), asset("a", url))
	if err != nil {
		t.Fatal(err)
	}
	if first.Metadata != second.Metadata {
		t.Errorf("metadata differs: %+v vs %+v", first.Metadata, second.Metadata)
	}
	for name, u := range first.Variants {
		if second.Variants[name] != u {
			t.Errorf("%s: url changed %q -> %q", name, u, second.Variants[name])
		}
	}
	if len(f.store.objects) != keys {
		t.Errorf("second run created new keys: %d -> %d", keys, len(f.store.objects))
	}
}

func TestProcessAsset_PartialFailureIsolated(t *testing.T) {
	url := "https://origin.example.com/p.jpg"
	f := newFixture(t, map[string][]byte{url: newJPEG(t, 1600, 1200)}, nil)
	f.store.failPut = func(key string, _ int) error {
		if strings.HasPrefix(key, "variants/large/") {
			return errors.New("access denied")
		}
		return nil
	}

	res, err := f.orch.ProcessAsset(context.Background(), asset("p", url))
	if err != nil {
		t.Fatalf("per-profile failure must not abort: %v", err)
	}
	if !res.Partial() || len(res.ProfileErrors) != 1 {
		t.Fatalf("profile errors: %v", res.ProfileErrors)
	}
	perr := res.ProfileErrors["large"]
	if !apperrors.IsCategory(perr, apperrors.CategoryUpload) {
		t.Errorf("large: got %v, want upload error", perr)
	}
	if _, ok := res.Variants["large"]; ok {
		t.Error("failed profile present in variant set")
	}
	if len(res.Variants) != 5 {
		t.Errorf("variants: got %d, want 5", len(res.Variants))
	}
}

func TestProcessAsset_GenerationFailureIsolated(t *testing.T) {
	url := "https://origin.example.com/g.jpg"
	raw := newJPEG(t, 1600, 1200)
	f := newFixture(t, map[string][]byte{url: raw}, func(o *Options) {
		o.Registry.RegisterEncoder(core.FormatJPEG, &failingEncoder{Encoder: encoder.NewJPEG(0), profile: "large"})
	})

	res, err := f.orch.ProcessAsset(context.Background(), asset("g", url))
	if err != nil {
		t.Fatalf("generation failure must not abort: %v", err)
	}
	if res.Metadata.Width != 1600 || res.Metadata.Height != 1200 || res.Metadata.FileSizeBytes != int64(len(raw)) {
		t.Errorf("metadata: %+v", res.Metadata)
	}
	if len(res.ProfileErrors) != 1 || !apperrors.IsCategory(res.ProfileErrors["large"], apperrors.CategoryVariant) {
		t.Fatalf("profile errors: %v", res.ProfileErrors)
	}
	for _, name := range []string{"thumbnail", "small", "medium", "xlarge", "webp"} {
		if res.Variants[name] == "" {
			t.Errorf("%s missing from variant set", name)
		}
	}
	if _, ok := f.store.objects["variants/large/g.jpg"]; ok {
		t.Error("failed profile was uploaded")
	}
}

func TestProcessAsset_StalledStoreWithinBudget(t *testing.T) {
	url := "https://origin.example.com/st.jpg"
	f := newFixture(t, map[string][]byte{url: newJPEG(t, 64, 48)}, func(o *Options) {
		o.Uploader.Timeout = 30 * time.Millisecond
		o.ProfileWorkers = 2
		o.MaxRetries = 2
		o.RetryDelay = time.Millisecond
	})
	f.store.stall = true

	cfg := config.Default()
	cfg.Fetch.Timeout = 0
	cfg.Storage.UploadTimeout = config.Duration(30 * time.Millisecond)
	cfg.Pipeline.ProfileWorkers = 2
	cfg.Pipeline.MaxRetries = 2
	cfg.Pipeline.RetryDelay = config.Duration(time.Millisecond)
	budget := config.UploadBudget(cfg, len(core.DefaultProfiles))

	// A deadline that clears the budget sees every upload time out on its own.
	ctx, cancel := context.WithTimeout(context.Background(), budget+2*time.Second)
	defer cancel()
	res, err := f.orch.ProcessAsset(ctx, asset("st", url))
	if err != nil {
		t.Fatalf("stalled uploads must not abort the asset: %v", err)
	}
	if res.Metadata.Width != 64 || res.Metadata.Height != 48 {
		t.Errorf("metadata: %+v", res.Metadata)
	}
	if len(res.Variants) != 0 || len(res.ProfileErrors) != len(core.DefaultProfiles) {
		t.Fatalf("variants %v, errors %v", res.Variants, res.ProfileErrors)
	}
	for name, perr := range res.ProfileErrors {
		if !apperrors.IsCategory(perr, apperrors.CategoryUpload) {
			t.Errorf("%s: got %v, want upload error", name, perr)
		}
	}
	if got := f.store.tries["variants/small/st.jpg"]; got != 3 {
		t.Errorf("small attempts: got %d, want 3", got)
	}

	// Below the budget the asset deadline wins and nothing is returned.
	short, cancelShort := context.WithTimeout(context.Background(), budget/3)
	defer cancelShort()
	if res, err := f.orch.ProcessAsset(short, asset("st", url)); res != nil || !apperrors.IsCategory(err, apperrors.CategoryPipeline) {
		t.Errorf("short deadline: got %v, %v", res, err)
	}
}

func TestProcessAsset_TransientUploadRetried(t *testing.T) {
	url := "https://origin.example.com/r.jpg"
	f := newFixture(t, map[string][]byte{url: newJPEG(t, 300, 200)}, nil)
	f.store.failPut = func(key string, attempt int) error {
		if strings.HasPrefix(key, "variants/small/") && attempt == 1 {
			return apperrors.Transient(apperrors.CategoryUpload, "put", errors.New("503 slow down"))
		}
		return nil
	}

	res, err := f.orch.ProcessAsset(context.Background(), asset("r", url))
	if err != nil {
		t.Fatal(err)
	}
	if res.Partial() {
		t.Fatalf("retry did not recover: %v", res.ProfileErrors)
	}
	if got := f.store.tries["variants/small/r.jpg"]; got != 2 {
		t.Errorf("small attempts: got %d, want 2", got)
	}
}

func TestProcessAsset_FatalDownload(t *testing.T) {
	f := newFixture(t, map[string][]byte{}, nil)
	res, err := f.orch.ProcessAsset(context.Background(), asset("gone", "https://origin.example.com/gone.jpg"))
	if res != nil || err == nil {
		t.Fatalf("got %v, %v; want error", res, err)
	}
	if !apperrors.IsCategory(err, apperrors.CategoryDownload) || !apperrors.IsFatal(err) {
		t.Errorf("got %v, want fatal download error", err)
	}
	if f.store.puts != 0 {
		t.Errorf("uploads after fatal failure: %d", f.store.puts)
	}
}

func TestProcessAsset_FatalDecode(t *testing.T) {
	url := "https://origin.example.com/bad.jpg"
	f := newFixture(t, map[string][]byte{url: []byte("not an image")}, nil)
	_, err := f.orch.ProcessAsset(context.Background(), asset("bad", url))
	if !apperrors.IsCategory(err, apperrors.CategoryDecode) {
		t.Errorf("got %v, want decode error", err)
	}
	if f.store.puts != 0 {
		t.Errorf("uploads after fatal failure: %d", f.store.puts)
	}
}

func TestProcessAsset_CancelledContext(t *testing.T) {
	url := "https://origin.example.com/c.jpg"
	f := newFixture(t, map[string][]byte{url: newJPEG(t, 64, 64)}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.store.failPut = func(string, int) error { cancel(); return nil }

	if _, err := f.orch.ProcessAsset(ctx, asset("c", url)); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestProcessAsset_SkipExisting(t *testing.T) {
	url := "https://origin.example.com/s.jpg"
	f := newFixture(t, map[string][]byte{url: newJPEG(t, 320, 240)}, func(o *Options) { o.SkipExisting = true })
	ctx := context.Background()

	if _, err := f.orch.ProcessAsset(ctx, asset("s", url)); err != nil {
		t.Fatal(err)
	}
	puts := f.store.puts
	if puts != len(core.DefaultProfiles) {
		t.Fatalf("first run puts: got %d", puts)
	}

	res, err := f.orch.ProcessAsset(ctx, asset("s", url))
	if err != nil {
		t.Fatal(err)
	}
	if f.store.puts != puts {
		t.Errorf("existing objects re-uploaded: %d -> %d", puts, f.store.puts)
	}
	if len(res.Variants) != len(core.DefaultProfiles) {
		t.Errorf("skipped variants missing from result: %v", res.Variants)
	}

	if _, err := f.orch.ProcessAsset(ctx, asset("s", url), Force()); err != nil {
		t.Fatal(err)
	}
	if f.store.puts != 2*puts {
		t.Errorf("forced run: got %d puts, want %d", f.store.puts, 2*puts)
	}
}

func TestVariantsExist(t *testing.T) {
	url := "https://origin.example.com/v.jpg"
	f := newFixture(t, map[string][]byte{url: newJPEG(t, 200, 200)}, nil)
	ctx := context.Background()

	if ok, err := f.orch.VariantsExist(ctx, "v"); ok || err != nil {
		t.Fatalf("before: %v %v", ok, err)
	}
	if _, err := f.orch.ProcessAsset(ctx, asset("v", url)); err != nil {
		t.Fatal(err)
	}
	if ok, err := f.orch.VariantsExist(ctx, "v"); !ok || err != nil {
		t.Errorf("after: %v %v", ok, err)
	}
}

func TestNewOrchestrator_RequiresEncoders(t *testing.T) {
	reg := core.NewRegistry()
	reg.RegisterEncoder(core.FormatJPEG, encoder.NewJPEG(0))
	_, err := NewOrchestrator(Options{
		Downloader: &fakeDownloader{},
		Extractor:  decoder.NewExtractor(),
		Registry:   reg,
		Uploader:   NewUploader(newMemStore(), publicBase, 0),
	})
	if !apperrors.IsCategory(err, apperrors.CategoryConfig) {
		t.Errorf("got %v, want config error for missing webp encoder", err)
	}
}

func TestBaseNameFallsBackToID(t *testing.T) {
	url := "https://origin.example.com/x"
	f := newFixture(t, map[string][]byte{url: newJPEG(t, 50, 50)}, nil)
	res, err := f.orch.ProcessAsset(context.Background(), core.SourceAsset{ID: "42", OriginalURL: url})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Variants["small"]; got != publicBase+"/variants/small/42.jpg" {
		t.Errorf("small: got %q", got)
	}
}
