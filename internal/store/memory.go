package store

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/metraction/vidi/pkg/model"
	"github.com/samber/lo"
)

var _ DashboardStore = (*MemoryStore)(nil)

// MemoryStore keeps dashboards in a map. Records are copied on the way in and
// out so callers never share memory with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	dashboards map[uuid.UUID]*model.DashboardRecord
	now        timeNow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dashboards: make(map[uuid.UUID]*model.DashboardRecord),
		now:        utcNow,
	}
}

func cloneRecord(record *model.DashboardRecord) *model.DashboardRecord {
	clone := *record
	clone.Tags = slices.Clone(record.Tags)
	if clone.Tags == nil {
		clone.Tags = []string{}
	}
	clone.Document = slices.Clone(record.Document)
	if record.XpName != nil {
		clone.XpName = lo.ToPtr(*record.XpName)
	}
	if record.User != nil {
		clone.User = lo.ToPtr(*record.User)
	}
	if record.TTL != nil {
		clone.TTL = lo.ToPtr(*record.TTL)
	}
	if record.BuildError != nil {
		clone.BuildError = lo.ToPtr(*record.BuildError)
	}
	return &clone
}

func (ms *MemoryStore) Create(ctx context.Context, record *model.DashboardRecord) (*model.DashboardRecord, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}
	if err := model.ValidateDocument(record.Document); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.dashboards[record.ID]; ok {
		return nil, model.ConflictError("dashboard %s already exists", record.ID)
	}
	ms.dashboards[record.ID] = cloneRecord(record)
	return cloneRecord(record), nil
}

func (ms *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*model.DashboardRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	record, ok := ms.dashboards[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneRecord(record), nil
}

func (ms *MemoryStore) List(ctx context.Context, query model.ListQuery) ([]model.DashboardSummary, error) {
	query, err := query.Normalized()
	if err != nil {
		return nil, err
	}
	ms.mu.RLock()
	matches := lo.Filter(lo.Values(ms.dashboards), func(record *model.DashboardRecord, _ int) bool {
		switch {
		case query.XpName != nil && (record.XpName == nil || *record.XpName != *query.XpName):
			return false
		case query.User != nil && (record.User == nil || *record.User != *query.User):
			return false
		case query.Tag != nil && !lo.Contains(record.Tags, *query.Tag):
			return false
		case query.Permanent != nil && record.Permanent != *query.Permanent:
			return false
		}
		return true
	})
	summaries := lo.Map(matches, func(record *model.DashboardRecord, _ int) model.DashboardSummary {
		return cloneRecord(record).Summary()
	})
	ms.mu.RUnlock()

	slices.SortStableFunc(summaries, func(a, b model.DashboardSummary) int {
		var c int
		switch query.Sort {
		case model.SortByCreatedAt:
			c = a.CreatedAt.Compare(b.CreatedAt)
		case model.SortByLastAccessedAt:
			c = a.LastAccessedAt.Compare(b.LastAccessedAt)
		default:
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		}
		if c == 0 {
			c = slices.Compare(a.ID[:], b.ID[:])
		}
		if query.Order == model.SortDesc {
			return -c
		}
		return c
	})
	if query.Offset >= len(summaries) {
		return []model.DashboardSummary{}, nil
	}
	return summaries[query.Offset:min(query.Offset+query.Limit, len(summaries))], nil
}

func (ms *MemoryStore) Replace(ctx context.Context, id uuid.UUID, next *model.DashboardRecord) (*model.DashboardRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	current, ok := ms.dashboards[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	record, err := replacement(current, next, ms.now)
	if err != nil {
		return nil, err
	}
	ms.dashboards[id] = cloneRecord(record)
	return cloneRecord(record), nil
}

func (ms *MemoryStore) UpdateMeta(ctx context.Context, id uuid.UUID, update model.MetaUpdate) (*model.DashboardRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	current, ok := ms.dashboards[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	record := cloneRecord(current)
	if err := update.Apply(&record.DashboardMeta); err != nil {
		return nil, err
	}
	record.UpdatedAt = ms.now()
	ms.dashboards[id] = record
	return cloneRecord(record), nil
}

func (ms *MemoryStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	_, ok := ms.dashboards[id]
	delete(ms.dashboards, id)
	return ok, nil
}

func (ms *MemoryStore) Touch(ctx context.Context, id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	record, ok := ms.dashboards[id]
	if !ok {
		return model.ErrNotFound
	}
	record.LastAccessedAt = ms.now()
	return nil
}

func (ms *MemoryStore) UpdateBuildStatus(ctx context.Context, id uuid.UUID, status model.BuildStatus, buildError *string) error {
	if !status.Valid() {
		return model.ConflictError("unknown build status %q", status)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	record, ok := ms.dashboards[id]
	if !ok {
		return model.ErrNotFound
	}
	record.BuildStatus = status
	record.BuildError = model.BuildErrorFor(status, buildError)
	return nil
}

// CleanupExpired evaluates and deletes under one write lock, so a touch either
// lands before the pass and saves the dashboard or after it.
func (ms *MemoryStore) CleanupExpired(ctx context.Context, excluded []uuid.UUID) (int64, error) {
	skip := lo.SliceToMap(excluded, func(id uuid.UUID) (uuid.UUID, struct{}) { return id, struct{}{} })
	ms.mu.Lock()
	defer ms.mu.Unlock()
	now := ms.now()
	var count int64
	for id, record := range ms.dashboards {
		if _, ok := skip[id]; ok {
			continue
		}
		if record.IsExpired(now) {
			delete(ms.dashboards, id)
			count++
		}
	}
	return count, nil
}

func (ms *MemoryStore) Close() error {
	return nil
}
