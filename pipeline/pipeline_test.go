package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

type countingStep struct {
	name  string
	fails int // leading attempts that fail
	err   func() error
	calls int
}

func (s *countingStep) Name() string { return s.name }

func (s *countingStep) Execute(_ context.Context, w *core.VariantWork) (*core.VariantWork, error) {
	s.calls++
	if s.calls <= s.fails {
		return nil, s.err()
	}
	out := *w
	out.Key = out.Key + s.name + ";"
	return &out, nil
}

type recordingHook struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHook) BeforeStep(_ context.Context, name string, _ *core.VariantWork) {
	h.mu.Lock()
	h.events = append(h.events, "before:"+name)
	h.mu.Unlock()
}

func (h *recordingHook) AfterStep(_ context.Context, name string, w *core.VariantWork, _ time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w == nil {
		h.events = append(h.events, "after:"+name+":nil-work")
		return
	}
	if err != nil {
		h.events = append(h.events, "after:"+name+":error")
		return
	}
	h.events = append(h.events, "after:"+name)
}

func TestPipeline_RunsStepsInOrder(t *testing.T) {
	hook := &recordingHook{}
	p := New().Use(&countingStep{name: "a"}, &countingStep{name: "b"}).AddHook(hook)

	out, timings, err := p.Run(context.Background(), &core.VariantWork{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Key != "a;b;" {
		t.Errorf("order: got %q", out.Key)
	}
	if len(timings) != 2 {
		t.Errorf("timings: %v", timings)
	}
	want := []string{"before:a", "after:a", "before:b", "after:b"}
	if len(hook.events) != len(want) {
		t.Fatalf("events: %v", hook.events)
	}
	for i := range want {
		if hook.events[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, hook.events[i], want[i])
		}
	}
}

func TestPipeline_RetriesTransientOnly(t *testing.T) {
	transient := &countingStep{name: "t", fails: 2, err: func() error {
		return apperrors.Transient(apperrors.CategoryUpload, "t", errors.New("flaky"))
	}}
	if _, _, err := New().WithRetry(2, time.Millisecond).Use(transient).Run(context.Background(), &core.VariantWork{}); err != nil {
		t.Fatalf("transient step not recovered: %v", err)
	}
	if transient.calls != 3 {
		t.Errorf("transient calls: got %d, want 3", transient.calls)
	}

	permanent := &countingStep{name: "p", fails: 5, err: func() error {
		return apperrors.New(apperrors.CategoryVariant, "p", errors.New("corrupt"))
	}}
	if _, _, err := New().WithRetry(3, time.Millisecond).Use(permanent).Run(context.Background(), &core.VariantWork{}); err == nil {
		t.Fatal("expected permanent error")
	}
	if permanent.calls != 1 {
		t.Errorf("permanent calls: got %d, want 1", permanent.calls)
	}
}

func TestPipeline_FailedStepStillReportsWork(t *testing.T) {
	hook := &recordingHook{}
	step := &countingStep{name: "x", fails: 1, err: func() error { return errors.New("boom") }}
	_, _, err := New().Use(step).AddHook(hook).Run(context.Background(), &core.VariantWork{AssetID: "1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if hook.events[len(hook.events)-1] != "after:x:error" {
		t.Errorf("events: %v", hook.events)
	}
}

func TestPipeline_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	step := &countingStep{name: "never"}
	_, _, err := New().Use(step).Run(ctx, &core.VariantWork{Profile: core.VariantProfile{Name: "small"}})
	if !apperrors.IsCategory(err, apperrors.CategoryPipeline) {
		t.Errorf("got %v, want pipeline error", err)
	}
	if step.calls != 0 {
		t.Error("step ran on cancelled context")
	}
}

func TestPipeline_CloneIsIndependent(t *testing.T) {
	base := New().Use(&countingStep{name: "a"})
	clone := base.Clone().Use(&countingStep{name: "b"})
	if len(base.steps) != 1 || len(clone.steps) != 2 {
		t.Errorf("clone shares steps: base=%d clone=%d", len(base.steps), len(clone.steps))
	}
}
