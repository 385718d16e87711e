// Package store persists dashboards and their metadata.
//
// Two backends implement DashboardStore: SqlStore keeps everything in one
// embedded sqlite file through gorm, MemoryStore keeps it in process memory.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/metraction/vidi/pkg/model"
	"github.com/rs/zerolog"
)

// DashboardStore fails with model.ErrNotFound, model.ErrConflict or a *model.StorageError.
type DashboardStore interface {
	Create(ctx context.Context, record *model.DashboardRecord) (*model.DashboardRecord, error)
	// Get does not touch the dashboard.
	Get(ctx context.Context, id uuid.UUID) (*model.DashboardRecord, error)
	List(ctx context.Context, query model.ListQuery) ([]model.DashboardSummary, error)
	// Replace overwrites content and metadata, keeps created_at and resets the build status to pending.
	Replace(ctx context.Context, id uuid.UUID, record *model.DashboardRecord) (*model.DashboardRecord, error)
	UpdateMeta(ctx context.Context, id uuid.UUID, update model.MetaUpdate) (*model.DashboardRecord, error)
	// Delete reports whether a dashboard was removed.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	Touch(ctx context.Context, id uuid.UUID) error
	// UpdateBuildStatus leaves updated_at alone.
	UpdateBuildStatus(ctx context.Context, id uuid.UUID, status model.BuildStatus, buildError *string) error
	// CleanupExpired deletes expired temporary dashboards not listed in excluded.
	CleanupExpired(ctx context.Context, excluded []uuid.UUID) (int64, error)
	Close() error
}

// New opens the backend selected by config.Driver.
func New(config *model.Database, logger *zerolog.Logger) (DashboardStore, error) {
	switch config.Driver {
	case model.DatabaseDriverMemory:
		return NewMemoryStore(), nil
	case model.DatabaseDriverSqlite, "":
		databaseContext, err := model.NewDatabaseContext(&model.Database{Driver: model.DatabaseDriverSqlite, Dsn: config.Dsn}, logger)
		if err != nil {
			return nil, model.NewStorageError("open", err)
		}
		return NewSqlStore(databaseContext)
	}
	return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
}

type timeNow func() time.Time

func utcNow() time.Time {
	return time.Now().UTC()
}

// replacement builds the stored form of a replace: identity and created_at
// from current, everything else from next, build state reset.
func replacement(current, next *model.DashboardRecord, now timeNow) (*model.DashboardRecord, error) {
	if err := model.ValidateDocument(next.Document); err != nil {
		return nil, err
	}
	record := *next
	record.ID = current.ID
	record.CreatedAt = current.CreatedAt
	record.LastAccessedAt = current.LastAccessedAt
	record.UpdatedAt = now()
	record.BuildStatus = model.BuildStatusPending
	record.BuildError = nil
	if record.Tags == nil {
		record.Tags = []string{}
	}
	if record.Permanent {
		record.TTL = nil
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return &record, nil
}
