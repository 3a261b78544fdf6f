// Package reconcile is the single entry point behind the post-create hook,
// the single-asset repair endpoint and bulk reconciliation scans.  Every
// trigger ends in the same idempotent process-then-persist sequence.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
	"github.com/Skryldev/media-pipeline/pipeline"
)

// Processor is the orchestrator contract the service depends on.
type Processor interface {
	ProcessAsset(ctx context.Context, asset core.SourceAsset, opts ...pipeline.ProcessOption) (*core.ProcessingResult, error)
}

// AssetRecorder receives one observation per finished asset.
type AssetRecorder interface {
	RecordAsset(ok bool)
}

// Options wires a Service.  Processor and Records are required.
type Options struct {
	Processor    Processor
	Records      core.RecordStore
	Locker       *Locker
	Workers      int           // concurrent assets per scan; default 1
	AssetTimeout time.Duration // 0 = none
	QueueSize    int           // async queue capacity; default 64
	Logger       core.Logger
	Metrics      AssetRecorder
}

// Service processes assets and writes the outcome back to the record store.
type Service struct {
	proc     Processor
	records  core.RecordStore
	locker   *Locker
	workers  int
	timeout  time.Duration
	logger   core.Logger
	metrics  AssetRecorder
	queue    chan job
	wg       sync.WaitGroup
	once     sync.Once
	stopOnce sync.Once
	shutdown chan struct{}
}

type job struct {
	ctx   context.Context
	asset core.SourceAsset
}

// NewService validates opts and returns a Service.  Call Start before
// Enqueue and Stop on shutdown.
func NewService(opts Options) (*Service, error) {
	if opts.Processor == nil || opts.Records == nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "reconcile", errors.New("processor and record store are required"))
	}
	locker := opts.Locker
	if locker == nil {
		locker, _ = NewLocker("")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	qs := opts.QueueSize
	if qs <= 0 {
		qs = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Service{
		proc:     opts.Processor,
		records:  opts.Records,
		locker:   locker,
		workers:  workers,
		timeout:  opts.AssetTimeout,
		logger:   logger,
		metrics:  opts.Metrics,
		queue:    make(chan job, qs),
		shutdown: make(chan struct{}),
	}, nil
}

// RepairAsset processes one asset and persists its metadata and variants.
// A partial variant set is persisted and is not an error.
func (s *Service) RepairAsset(ctx context.Context, asset core.SourceAsset, opts ...pipeline.ProcessOption) error {
	_, err := s.repair(ctx, asset, opts...)
	return err
}

// RepairByID loads id from the record store and repairs it.
func (s *Service) RepairByID(ctx context.Context, id string, opts ...pipeline.ProcessOption) (*core.ProcessingResult, error) {
	assets, err := s.records.FindAssetsNeedingProcessing(ctx, core.Filter{MediaID: id})
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, apperrors.New(apperrors.CategoryInput, "repair", fmt.Errorf("%w: asset %s", apperrors.ErrNotFound, id))
	}
	return s.repair(ctx, assets[0], opts...)
}

func (s *Service) repair(ctx context.Context, asset core.SourceAsset, opts ...pipeline.ProcessOption) (*core.ProcessingResult, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, shared, err := s.locker.Do(ctx, asset.ID, pipeline.Forced(opts...), func() (*core.ProcessingResult, error) {
		res, err := s.proc.ProcessAsset(ctx, asset, opts...)
		if err != nil {
			return nil, err
		}
		if err := s.records.UpdateAssetMetadataAndVariants(ctx, asset.ID, res.Metadata, res.Variants); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryPersist, "persist", err)
		}
		return res, nil
	})
	if shared {
		s.logger.Debug("asset run shared with in-flight caller", "asset_id", asset.ID)
		return res, err
	}

	if s.metrics != nil {
		s.metrics.RecordAsset(err == nil)
	}
	if err != nil {
		s.logger.Error("asset failed",
			"asset_id", asset.ID,
			"filename", asset.Filename,
			"category", string(apperrors.CategoryOf(err)),
			"error", err.Error(),
		)
		return nil, err
	}
	if res.Partial() {
		for profile, perr := range res.ProfileErrors {
			s.logger.Warn("asset partially processed",
				"asset_id", asset.ID,
				"profile", profile,
				"error", perr.Error(),
			)
		}
	}
	return res, nil
}

// ScanAndRepair selects assets with f and repairs each in isolation.  One
// asset failing never stops the scan; the returned error is reserved for
// failures of the scan itself, such as the record query.
func (s *Service) ScanAndRepair(ctx context.Context, f core.Filter) (*core.BatchSummary, error) {
	start := time.Now()
	runID := uuid.NewString()
	assets, err := s.records.FindAssetsNeedingProcessing(ctx, f)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "scan.query", err)
	}
	if f.MediaID != "" && len(assets) == 0 {
		return nil, apperrors.New(apperrors.CategoryInput, "scan", fmt.Errorf("%w: asset %s", apperrors.ErrNotFound, f.MediaID))
	}
	s.logger.Info("scan started", "run_id", runID, "assets", len(assets), "force", f.Force, "workers", s.workers)

	var opts []pipeline.ProcessOption
	if f.Force {
		opts = append(opts, pipeline.Force())
	}

	type outcome struct {
		res *core.ProcessingResult
		err error
	}
	outcomes := make([]outcome, len(assets))

	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				res, err := s.repair(ctx, assets[i], opts...)
				outcomes[i] = outcome{res: res, err: err}
			}
		}()
	}
	for i := range assets {
		idx <- i
	}
	close(idx)
	wg.Wait()

	sum := &core.BatchSummary{RunID: runID, Processed: len(assets)}
	for i, o := range outcomes {
		if o.err != nil {
			sum.ErrorCount++
			sum.ErrorDetails = append(sum.ErrorDetails, core.ErrorDetail{
				ID:       assets[i].ID,
				Filename: assets[i].Filename,
				Error:    o.err.Error(),
			})
			continue
		}
		sum.SuccessCount++
		if o.res != nil && o.res.Partial() {
			sum.PartialCount++
		}
	}
	sum.Duration = time.Since(start)

	s.logger.Info("scan finished",
		"run_id", runID,
		"processed", sum.Processed,
		"success", sum.SuccessCount,
		"errors", sum.ErrorCount,
		"partial", sum.PartialCount,
		"duration_ms", sum.Duration.Milliseconds(),
	)
	return sum, nil
}

// ── async queue ───────────────────────────────────────────────────────────────

// Start launches the background workers that drain Enqueue.  Idempotent.
func (s *Service) Start() {
	s.once.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.worker()
		}
	})
}

// Stop lets queued jobs finish and shuts the workers down.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})
}

// Enqueue schedules asset for background repair.  It returns ErrQueueFull
// instead of blocking when the queue is at capacity.
func (s *Service) Enqueue(ctx context.Context, asset core.SourceAsset) error {
	select {
	case <-s.shutdown:
		return apperrors.New(apperrors.CategoryPipeline, "enqueue", errors.New("service stopped"))
	default:
	}
	select {
	case s.queue <- job{ctx: context.WithoutCancel(ctx), asset: asset}:
		return nil
	default:
		return apperrors.New(apperrors.CategoryPipeline, "enqueue", apperrors.ErrQueueFull)
	}
}

// EnqueueByID loads id from the record store and enqueues it.  The
// post-create hook calls this with the id of the freshly stored row.
func (s *Service) EnqueueByID(ctx context.Context, id string) error {
	assets, err := s.records.FindAssetsNeedingProcessing(ctx, core.Filter{MediaID: id})
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "enqueue.query", err)
	}
	if len(assets) == 0 {
		return apperrors.New(apperrors.CategoryInput, "enqueue", fmt.Errorf("%w: asset %s", apperrors.ErrNotFound, id))
	}
	return s.Enqueue(ctx, assets[0])
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case j := <-s.queue:
			_ = s.RepairAsset(j.ctx, j.asset)
		case <-s.shutdown:
			for {
				select {
				case j := <-s.queue:
					_ = s.RepairAsset(j.ctx, j.asset)
				default:
					return
				}
			}
		}
	}
}
