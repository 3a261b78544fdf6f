// Package pipeline runs the per-profile step chain and orchestrates the
// processing of a whole asset.
package pipeline

import (
	"context"
	"time"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

// Pipeline executes a sequence of Steps with hook and retry support.
type Pipeline struct {
	steps      []core.Step
	hooks      []core.Hook
	maxRetries int
	retryDelay time.Duration
}

// New returns an empty Pipeline.
func New() *Pipeline { return &Pipeline{} }

// Use appends a step to the pipeline.  Returns the same Pipeline for chaining.
func (p *Pipeline) Use(s ...core.Step) *Pipeline {
	p.steps = append(p.steps, s...)
	return p
}

// AddHook registers an observer.
func (p *Pipeline) AddHook(h core.Hook) *Pipeline {
	p.hooks = append(p.hooks, h)
	return p
}

// WithRetry sets the maximum retry count and delay for transient failures.
func (p *Pipeline) WithRetry(maxRetries int, delay time.Duration) *Pipeline {
	p.maxRetries = maxRetries
	p.retryDelay = delay
	return p
}

// Run executes the pipeline on w.  It returns the final work item and the
// per-step timings.
func (p *Pipeline) Run(ctx context.Context, w *core.VariantWork) (*core.VariantWork, map[string]time.Duration, error) {
	timings := make(map[string]time.Duration, len(p.steps))
	current := w

	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return nil, timings, apperrors.ForProfile(apperrors.CategoryPipeline, step.Name(), w.Profile.Name, err)
		}

		result, elapsed, err := p.runStep(ctx, step, current)
		timings[step.Name()] = elapsed
		if err != nil {
			return nil, timings, err
		}
		current = result
	}
	return current, timings, nil
}

// runStep executes a single step, calling hooks and retrying transient errors.
func (p *Pipeline) runStep(ctx context.Context, step core.Step, w *core.VariantWork) (*core.VariantWork, time.Duration, error) {
	p.callHooksBefore(ctx, step.Name(), w)

	var (
		result  *core.VariantWork
		elapsed time.Duration
		err     error
	)

	attempts := p.maxRetries + 1
	for i := 0; i < attempts; i++ {
		start := time.Now()
		result, err = step.Execute(ctx, w)
		elapsed = time.Since(start)

		if err == nil || !apperrors.IsRetryable(err) || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			err = apperrors.ForProfile(apperrors.CategoryPipeline, step.Name(), w.Profile.Name, ctx.Err())
		case <-time.After(p.retryDelay):
			continue
		}
		break
	}

	p.callHooksAfter(ctx, step.Name(), w, result, elapsed, err)
	return result, elapsed, err
}

func (p *Pipeline) callHooksBefore(ctx context.Context, name string, w *core.VariantWork) {
	for _, h := range p.hooks {
		h.BeforeStep(ctx, name, w)
	}
}

// callHooksAfter reports the step output, falling back to the input when
// the step failed so hooks can always identify the asset and profile.
func (p *Pipeline) callHooksAfter(ctx context.Context, name string, in, out *core.VariantWork, d time.Duration, err error) {
	w := out
	if w == nil {
		w = in
	}
	for _, h := range p.hooks {
		h.AfterStep(ctx, name, w, d, err)
	}
}

// Clone returns a shallow copy of the pipeline so templates can be reused
// safely across goroutines.
func (p *Pipeline) Clone() *Pipeline {
	cp := &Pipeline{
		steps:      make([]core.Step, len(p.steps)),
		hooks:      make([]core.Hook, len(p.hooks)),
		maxRetries: p.maxRetries,
		retryDelay: p.retryDelay,
	}
	copy(cp.steps, p.steps)
	copy(cp.hooks, p.hooks)
	return cp
}
