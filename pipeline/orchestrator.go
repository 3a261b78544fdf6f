package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

// Options wires an Orchestrator.  Downloader, Extractor, Registry and
// Uploader are required.
type Options struct {
	Downloader core.Downloader
	Extractor  core.Extractor
	Registry   core.Registry
	Uploader   *Uploader

	Profiles       []core.VariantProfile // defaults to core.DefaultProfiles
	ProfileWorkers int                   // concurrent profiles per asset; default 2
	SkipExisting   bool
	MaxRetries     int
	RetryDelay     time.Duration

	Hooks  []core.Hook
	Logger core.Logger
}

// Orchestrator turns one SourceAsset into metadata plus a variant set.  It
// never touches the record store; persisting is the caller's job.
type Orchestrator struct {
	downloader core.Downloader
	extractor  core.Extractor
	registry   core.Registry
	uploader   *Uploader
	profiles   []core.VariantProfile
	workers    int
	skip       bool
	template   *Pipeline
	logger     core.Logger
}

// NewOrchestrator validates opts and returns a ready Orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Downloader == nil || opts.Extractor == nil || opts.Registry == nil || opts.Uploader == nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "orchestrator",
			errors.New("downloader, extractor, registry and uploader are required"))
	}
	if opts.Uploader.Store == nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "orchestrator", errors.New("uploader has no storage adapter"))
	}
	profiles := opts.Profiles
	if len(profiles) == 0 {
		profiles = core.DefaultProfiles
	}
	if err := core.ValidateProfiles(profiles); err != nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "orchestrator", err)
	}
	for _, p := range profiles {
		if _, ok := opts.Registry.EncoderFor(p.Format); !ok {
			return nil, apperrors.New(apperrors.CategoryConfig, "orchestrator",
				fmt.Errorf("profile %s: no encoder registered for %s", p.Name, p.Format))
		}
	}
	workers := opts.ProfileWorkers
	if workers <= 0 {
		workers = 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger{}
	}

	tpl := New().WithRetry(opts.MaxRetries, opts.RetryDelay)
	for _, h := range opts.Hooks {
		tpl.AddHook(h)
	}

	return &Orchestrator{
		downloader: opts.Downloader,
		extractor:  opts.Extractor,
		registry:   opts.Registry,
		uploader:   opts.Uploader,
		profiles:   profiles,
		workers:    workers,
		skip:       opts.SkipExisting,
		template:   tpl,
		logger:     logger,
	}, nil
}

// Profiles returns the catalogue this orchestrator produces.
func (o *Orchestrator) Profiles() []core.VariantProfile { return o.profiles }

// ProcessOption tweaks a single ProcessAsset call.
type ProcessOption func(*processConfig)

type processConfig struct {
	force bool
}

// Force regenerates every variant even when SkipExisting is configured.
func Force() ProcessOption { return func(c *processConfig) { c.force = true } }

// Forced reports whether opts include Force.
func Forced(opts ...ProcessOption) bool {
	var pc processConfig
	for _, opt := range opts {
		opt(&pc)
	}
	return pc.force
}

// ProcessAsset downloads the original, extracts its metadata and produces
// every profile.  Download and decode failures abort with an error;
// per-profile failures are reported in ProcessingResult.ProfileErrors and
// the remaining profiles still complete.
func (o *Orchestrator) ProcessAsset(ctx context.Context, asset core.SourceAsset, opts ...ProcessOption) (*core.ProcessingResult, error) {
	var pc processConfig
	for _, opt := range opts {
		opt(&pc)
	}
	start := time.Now()
	timings := make(map[string]time.Duration)

	if asset.OriginalURL == "" {
		return nil, apperrors.New(apperrors.CategoryDownload, "download", errors.New("asset has no original url"))
	}

	t0 := time.Now()
	data, err := o.downloader.Fetch(ctx, asset.OriginalURL)
	timings["download"] = time.Since(t0)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDownload, "download", err)
	}

	t0 = time.Now()
	meta, err := o.extractor.Extract(ctx, data)
	timings["extract"] = time.Since(t0)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "extract", err)
	}
	meta.FileSizeBytes = int64(len(data))

	base := core.BaseFilename(asset.Filename, asset.ID)
	chain := o.template.Clone().Use(
		&EncodeStep{Registry: o.registry},
		&UploadStep{Uploader: o.uploader, SkipExisting: o.skip && !pc.force},
	)

	var (
		mu       sync.Mutex
		variants = make(core.VariantSet, len(o.profiles))
		failures = make(map[string]error)
	)

	// Goroutines never return an error so one profile cannot cancel the rest.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, p := range o.profiles {
		p := p
		g.Go(func() error {
			w := &core.VariantWork{AssetID: asset.ID, BaseName: base, Profile: p, Source: data}
			out, stepTimes, err := chain.Run(gctx, w)

			mu.Lock()
			defer mu.Unlock()
			for step, d := range stepTimes {
				timings[p.Name+"."+step] = d
			}
			if err != nil {
				failures[p.Name] = err
				o.logger.Warn("variant failed",
					"asset_id", asset.ID,
					"profile", p.Name,
					"category", string(apperrors.CategoryOf(err)),
					"error", err.Error(),
				)
				return nil
			}
			variants[p.Name] = out.URL
			return nil
		})
	}
	_ = g.Wait()

	// A cancelled or expired context leaves an incomplete set that must not
	// overwrite a good stored one.
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, "process", err)
	}

	res := &core.ProcessingResult{
		Metadata:       meta,
		Variants:       variants,
		ProcessingTime: time.Since(start),
		StepTimings:    timings,
	}
	if len(failures) > 0 {
		res.ProfileErrors = failures
	}

	o.logger.Info("asset processed",
		"asset_id", asset.ID,
		"width", meta.Width,
		"height", meta.Height,
		"format", string(meta.Format),
		"variants", len(variants),
		"failed", len(failures),
		"duration_ms", res.ProcessingTime.Milliseconds(),
	)
	return res, nil
}
