// Package mediapipeline assembles the variant pipeline from a config.Config.
// Callers that only need to process images can use the pipeline and
// reconcile packages directly; App is the wiring the mediad binary uses.
package mediapipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/Skryldev/media-pipeline/adapters/decoder"
	"github.com/Skryldev/media-pipeline/adapters/encoder"
	"github.com/Skryldev/media-pipeline/adapters/fetch"
	"github.com/Skryldev/media-pipeline/adapters/recordstore"
	"github.com/Skryldev/media-pipeline/adapters/storage"
	"github.com/Skryldev/media-pipeline/adapters/vips"
	"github.com/Skryldev/media-pipeline/adapters/webp"
	"github.com/Skryldev/media-pipeline/config"
	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
	"github.com/Skryldev/media-pipeline/hooks"
	"github.com/Skryldev/media-pipeline/pipeline"
	"github.com/Skryldev/media-pipeline/reconcile"
	"github.com/Skryldev/media-pipeline/server"
)

// Re-export Format constants for convenience.
const (
	JPEG = core.FormatJPEG
	PNG  = core.FormatPNG
	WebP = core.FormatWebP
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// AssetStore is a record store that can also create and load rows.
type AssetStore interface {
	core.RecordStore
	CreateAsset(ctx context.Context, a core.SourceAsset) error
	GetAsset(ctx context.Context, id string) (core.SourceAsset, error)
}

// App holds every long-lived component.  Build it once at start-up and
// Close it on exit.
type App struct {
	Config       config.Config
	Logger       *hooks.SlogLogger
	Metrics      *hooks.InMemoryMetrics
	Storage      core.StorageAdapter
	Records      AssetStore
	Registry     *core.DefaultRegistry
	Orchestrator *pipeline.Orchestrator
	Service      *reconcile.Service

	closers []func() error
}

// Option overrides one component during New.
type Option func(*buildOptions)

type buildOptions struct {
	logOutput  io.Writer
	records    AssetStore
	storage    core.StorageAdapter
	encoders   map[core.Format]core.Encoder
	httpClient *http.Client
	profiles   []core.VariantProfile
}

// WithLogOutput redirects logs; the default is stderr.
func WithLogOutput(w io.Writer) Option { return func(o *buildOptions) { o.logOutput = w } }

// WithRecordStore replaces the SQLite record store.
func WithRecordStore(r AssetStore) Option { return func(o *buildOptions) { o.records = r } }

// WithStorage replaces the configured storage backend.
func WithStorage(s core.StorageAdapter) Option { return func(o *buildOptions) { o.storage = s } }

// WithEncoder registers e for f after the backend's own encoders.
func WithEncoder(f core.Format, e core.Encoder) Option {
	return func(o *buildOptions) {
		if o.encoders == nil {
			o.encoders = make(map[core.Format]core.Encoder)
		}
		o.encoders[f] = e
	}
}

// WithHTTPClient sets the client used to download originals.
func WithHTTPClient(c *http.Client) Option { return func(o *buildOptions) { o.httpClient = c } }

// WithProfiles replaces the default variant catalogue.
func WithProfiles(p []core.VariantProfile) Option { return func(o *buildOptions) { o.profiles = p } }

// New validates cfg and wires the application.  On error every component
// opened so far is closed again.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	if err := config.Validate(cfg); err != nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "app", err)
	}
	var bo buildOptions
	for _, o := range opts {
		o(&bo)
	}
	if bo.logOutput == nil {
		bo.logOutput = os.Stderr
	}

	app := &App{Config: cfg, Metrics: hooks.NewInMemoryMetrics()}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()
	app.Logger = hooks.NewLogger(bo.logOutput, cfg.LogLevel, cfg.LogFormat)

	// ── Storage ───────────────────────────────────────────────────────────────
	app.Storage = bo.storage
	if app.Storage == nil {
		if app.Storage, err = newStorage(ctx, cfg.Storage); err != nil {
			return nil, err
		}
	}

	profiles := bo.profiles
	if len(profiles) == 0 {
		profiles = core.DefaultProfiles
	}
	profiles = core.OverrideEncodeSettings(profiles, cfg.Pipeline.JPEGQuality, cfg.Pipeline.WebPQuality, cfg.Pipeline.WebPEffort)
	if err := config.ValidateBudget(cfg, len(profiles)); err != nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "app", err)
	}

	// ── Codecs ────────────────────────────────────────────────────────────────
	app.Registry = core.NewRegistry()
	var extractor core.Extractor
	switch cfg.Pipeline.Backend {
	case config.BackendVips:
		backend := vips.NewBackend(vips.BackendConfig{
			JPEGQuality:  cfg.Pipeline.JPEGQuality,
			WebPQuality:  cfg.Pipeline.WebPQuality,
			WebPEffort:   cfg.Pipeline.WebPEffort,
			MaxCacheSize: cfg.Pipeline.VipsMaxCacheSize,
			MaxWorkers:   cfg.Pipeline.VipsConcurrency,
		})
		app.closers = append(app.closers, func() error { backend.Shutdown(); return nil })
		vips.RegisterVipsBackend(app.Registry, backend)
		extractor = backend
	default:
		app.Registry.RegisterEncoder(core.FormatJPEG, encoder.NewJPEG(cfg.Pipeline.JPEGQuality))
		app.Registry.RegisterEncoder(core.FormatWebP, webp.NewTranscoder(cfg.Pipeline.WebPQuality, cfg.Pipeline.WebPEffort))
		extractor = decoder.NewExtractor()
		if names := interlaced(profiles); len(names) > 0 {
			app.Logger.Warn("std backend writes baseline JPEG; interlaced profiles need the vips backend",
				"profiles", strings.Join(names, ","))
		}
	}
	for f, e := range bo.encoders {
		app.Registry.RegisterEncoder(f, e)
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	downloader, err := fetch.NewHTTP(fetch.Options{
		Timeout:       cfg.Fetch.Timeout.Std(),
		MaxImageBytes: cfg.Fetch.MaxImageBytes,
		UserAgent:     cfg.Fetch.UserAgent,
		BaseURL:       cfg.Storage.PublicBaseURL,
		Client:        bo.httpClient,
	})
	if err != nil {
		return nil, err
	}
	uploader := pipeline.NewUploader(app.Storage, cfg.Storage.PublicBaseURL, cfg.Storage.UploadTimeout.Std())
	if cfg.Storage.CacheControl != "" {
		uploader.CacheControl = cfg.Storage.CacheControl
	}
	app.Orchestrator, err = pipeline.NewOrchestrator(pipeline.Options{
		Downloader:     downloader,
		Extractor:      extractor,
		Registry:       app.Registry,
		Uploader:       uploader,
		Profiles:       profiles,
		ProfileWorkers: cfg.Pipeline.ProfileWorkers,
		SkipExisting:   cfg.Pipeline.SkipExisting,
		MaxRetries:     cfg.Pipeline.MaxRetries,
		RetryDelay:     cfg.Pipeline.RetryDelay.Std(),
		Hooks:          []core.Hook{hooks.NewLoggingHook(app.Logger), hooks.NewMetricsHook(app.Metrics)},
		Logger:         app.Logger,
	})
	if err != nil {
		return nil, err
	}

	// ── Records + reconcile ───────────────────────────────────────────────────
	app.Records = bo.records
	if app.Records == nil {
		db, err := recordstore.OpenSQLite(cfg.Records.Path)
		if err != nil {
			return nil, err
		}
		db.SetLogger(app.Logger)
		app.closers = append(app.closers, db.Close)
		app.Records = db
	}

	locker, err := reconcile.NewLocker(cfg.Reconcile.LockDir)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "app.locker", err)
	}
	app.Service, err = reconcile.NewService(reconcile.Options{
		Processor:    app.Orchestrator,
		Records:      app.Records,
		Locker:       locker,
		Workers:      cfg.Reconcile.Workers,
		AssetTimeout: cfg.Reconcile.AssetTimeout.Std(),
		Logger:       app.Logger,
		Metrics:      app.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Server builds the HTTP adapter.  Local objects are served under /media
// when the local storage backend is in use.
func (a *App) Server() (*server.Server, error) {
	opts := server.Options{
		Reconciler: a.Service,
		Metrics:    a.Metrics,
		Logger:     a.Logger,
	}
	if local, ok := a.Storage.(*storage.Local); ok {
		opts.Objects = local
	}
	return server.New(opts)
}

// Close stops background work and releases resources in reverse order.
func (a *App) Close() error {
	if a.Service != nil {
		a.Service.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func interlaced(profiles []core.VariantProfile) []string {
	var names []string
	for _, p := range profiles {
		if p.Format == core.FormatJPEG && p.Interlace {
			names = append(names, p.Name)
		}
	}
	return names
}

func newStorage(ctx context.Context, sc config.StorageConfig) (core.StorageAdapter, error) {
	switch sc.Backend {
	case config.StorageS3:
		return storage.NewS3FromConfig(ctx, storage.S3Config{
			Bucket:          sc.Bucket,
			Region:          sc.Region,
			Endpoint:        sc.Endpoint,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			UsePathStyle:    sc.UsePathStyle,
		})
	case config.StorageMinIO:
		return storage.NewMinIO(ctx, storage.MinIOConfig{
			Endpoint:        sc.Endpoint,
			Bucket:          sc.Bucket,
			Region:          sc.Region,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			UseSSL:          sc.UseSSL,
		})
	default:
		return storage.NewLocal(sc.Local.RootDir, os.FileMode(sc.Local.Permissions))
	}
}
