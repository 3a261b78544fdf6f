package recordstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

// Memory is an in-process RecordStore used by tests and the demo mode of
// the CLI.
type Memory struct {
	mu     sync.Mutex
	seq    int
	rows   map[string]*memRow
	Writes int // successful UpdateAssetMetadataAndVariants calls

	// FailUpdate, when set, is consulted before every update; a non-nil
	// return aborts the write.
	FailUpdate func(id string) error
}

type memRow struct {
	seq   int
	asset core.SourceAsset
	meta  *core.ImageMetadata
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]*memRow)}
}

func (m *Memory) CreateAsset(_ context.Context, a core.SourceAsset) error {
	if a.ID == "" || a.OriginalURL == "" {
		return apperrors.New(apperrors.CategoryInput, "records.create", fmt.Errorf("id and original url are required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[a.ID]; ok {
		return apperrors.New(apperrors.CategoryPersist, "records.create", fmt.Errorf("asset %s already exists", a.ID))
	}
	m.seq++
	a.Width, a.Height, a.Variants = nil, nil, nil
	m.rows[a.ID] = &memRow{seq: m.seq, asset: a}
	return nil
}

func (m *Memory) GetAsset(_ context.Context, id string) (core.SourceAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return core.SourceAsset{}, apperrors.New(apperrors.CategoryInput, "records.get", fmt.Errorf("%w: asset %s", apperrors.ErrNotFound, id))
	}
	return cloneAsset(r.asset), nil
}

// Metadata returns the last metadata written for id.
func (m *Memory) Metadata(id string) (core.ImageMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.meta == nil {
		return core.ImageMetadata{}, false
	}
	return *r.meta, true
}

func (m *Memory) FindAssetsNeedingProcessing(_ context.Context, f core.Filter) ([]core.SourceAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]*memRow, 0, len(m.rows))
	for _, r := range m.rows {
		switch {
		case f.MediaID != "":
			if r.asset.ID != f.MediaID {
				continue
			}
		case !f.Force:
			if !r.asset.NeedsProcessing() {
				continue
			}
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}

	out := make([]core.SourceAsset, len(rows))
	for i, r := range rows {
		out[i] = cloneAsset(r.asset)
	}
	return out, nil
}

func (m *Memory) UpdateAssetMetadataAndVariants(_ context.Context, id string, meta core.ImageMetadata, variants core.VariantSet) error {
	if m.FailUpdate != nil {
		if err := m.FailUpdate(id); err != nil {
			return apperrors.New(apperrors.CategoryPersist, "records.update", err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return apperrors.New(apperrors.CategoryPersist, "records.update", fmt.Errorf("%w: asset %s", apperrors.ErrNotFound, id))
	}
	w, h := meta.Width, meta.Height
	r.asset.Width, r.asset.Height = &w, &h
	r.asset.Variants = make(core.VariantSet, len(variants))
	for k, v := range variants {
		r.asset.Variants[k] = v
	}
	mc := meta
	r.meta = &mc
	m.Writes++
	return nil
}

func cloneAsset(a core.SourceAsset) core.SourceAsset {
	if a.Width != nil {
		w := *a.Width
		a.Width = &w
	}
	if a.Height != nil {
		h := *a.Height
		a.Height = &h
	}
	if a.Variants != nil {
		vs := make(core.VariantSet, len(a.Variants))
		for k, v := range a.Variants {
			vs[k] = v
		}
		a.Variants = vs
	}
	return a
}

var _ core.RecordStore = (*Memory)(nil)
