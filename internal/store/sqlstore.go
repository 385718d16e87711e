package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/metraction/vidi/internal/utils"
	"github.com/metraction/vidi/pkg/model"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DashboardRow is the single table layout. Document holds the zstd compressed
// json, the other columns can be queried without touching it.
type DashboardRow struct {
	ID             string         `gorm:"primaryKey;type:text"`
	XpName         *string        `gorm:"index"`
	User           *string        `gorm:"index"`
	Tags           datatypes.JSON `gorm:"not null"`
	Permanent      bool           `gorm:"not null;index"`
	TTL            *int64
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"not null;index;autoUpdateTime:false"`
	LastAccessedAt time.Time `gorm:"not null"`
	ExpiresAt      *int64    `gorm:"index"` // unix ms, null for permanent dashboards
	PlotCount      int       `gorm:"not null;default:0"`
	Document       []byte    `gorm:"not null"`
	BuildStatus    string    `gorm:"not null;default:pending"`
	BuildError     *string
}

func (DashboardRow) TableName() string {
	return "dashboards"
}

var summaryColumns = []string{
	"id", "xp_name", "user", "tags", "permanent", "ttl", "created_at", "updated_at",
	"last_accessed_at", "plot_count", "build_status",
}

var _ DashboardStore = (*SqlStore)(nil)

type SqlStore struct {
	DatabaseContext *model.DatabaseContext
	packer          *utils.ZStd
	now             timeNow
}

// NewSqlStore migrates the dashboards table and returns the store.
func NewSqlStore(databaseContext *model.DatabaseContext) (*SqlStore, error) {
	if err := databaseContext.Migrate(&DashboardRow{}); err != nil {
		return nil, model.NewStorageError("migrate", err)
	}
	packer, err := utils.NewZStd()
	if err != nil {
		return nil, err
	}
	return &SqlStore{
		DatabaseContext: databaseContext,
		packer:          packer,
		now:             utcNow,
	}, nil
}

func (ss *SqlStore) db(ctx context.Context) *gorm.DB {
	return ss.DatabaseContext.DB.WithContext(ctx)
}

func (ss *SqlStore) toRow(record *model.DashboardRecord) (*DashboardRow, error) {
	tags, err := json.Marshal(append([]string{}, lo.Uniq(record.Tags)...))
	if err != nil {
		return nil, err
	}
	return &DashboardRow{
		ID:             record.ID.String(),
		XpName:         record.XpName,
		User:           record.User,
		Tags:           datatypes.JSON(tags),
		Permanent:      record.Permanent,
		TTL:            record.TTL,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
		LastAccessedAt: record.LastAccessedAt,
		ExpiresAt:      utils.UnixMilli(record.ExpiresAt()),
		PlotCount:      model.PlotCount(record.Document),
		Document:       ss.packer.Compress(record.Document),
		BuildStatus:    string(record.BuildStatus),
		BuildError:     record.BuildError,
	}, nil
}

func (row *DashboardRow) meta() (model.DashboardMeta, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return model.DashboardMeta{}, err
	}
	tags := []string{}
	if len(row.Tags) > 0 {
		if err := json.Unmarshal(row.Tags, &tags); err != nil {
			return model.DashboardMeta{}, err
		}
	}
	return model.DashboardMeta{
		ID:             id,
		XpName:         row.XpName,
		User:           row.User,
		Tags:           tags,
		Permanent:      row.Permanent,
		TTL:            row.TTL,
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
		LastAccessedAt: row.LastAccessedAt.UTC(),
		BuildStatus:    model.BuildStatus(row.BuildStatus),
		BuildError:     row.BuildError,
	}, nil
}

func (ss *SqlStore) toRecord(row *DashboardRow) (*model.DashboardRecord, error) {
	meta, err := row.meta()
	if err != nil {
		return nil, model.NewStorageError("decode", err)
	}
	document, err := ss.packer.Unpack(row.Document)
	if err != nil {
		return nil, model.NewStorageError("decompress", err)
	}
	return &model.DashboardRecord{DashboardMeta: meta, Document: document}, nil
}

func (row *DashboardRow) summary() (model.DashboardSummary, error) {
	meta, err := row.meta()
	if err != nil {
		return model.DashboardSummary{}, model.NewStorageError("decode", err)
	}
	return model.DashboardSummary{
		ID:             meta.ID,
		XpName:         meta.XpName,
		User:           meta.User,
		Tags:           meta.Tags,
		Permanent:      meta.Permanent,
		TTL:            meta.TTL,
		CreatedAt:      meta.CreatedAt,
		UpdatedAt:      meta.UpdatedAt,
		LastAccessedAt: meta.LastAccessedAt,
		PlotCount:      row.PlotCount,
		BuildStatus:    meta.BuildStatus,
	}, nil
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (ss *SqlStore) Create(ctx context.Context, record *model.DashboardRecord) (*model.DashboardRecord, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}
	if err := model.ValidateDocument(record.Document); err != nil {
		return nil, err
	}
	row, err := ss.toRow(record)
	if err != nil {
		return nil, model.NewStorageError("encode", err)
	}
	if err := ss.db(ctx).Create(row).Error; err != nil {
		if isPrimaryKeyViolation(err) {
			return nil, model.ConflictError("dashboard %s already exists", record.ID)
		}
		return nil, model.NewStorageError("create", err)
	}
	return record, nil
}

func (ss *SqlStore) Get(ctx context.Context, id uuid.UUID) (*model.DashboardRecord, error) {
	var row DashboardRow
	if err := ss.db(ctx).First(&row, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, model.NewStorageError("get", err)
	}
	return ss.toRecord(&row)
}

// paginate applies sort order and window of the query.
func paginate(query model.ListQuery) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		desc := query.Order == model.SortDesc
		return db.
			Order(clause.OrderByColumn{Column: clause.Column{Name: string(query.Sort)}, Desc: desc}).
			Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: desc}).
			Offset(query.Offset).
			Limit(query.Limit)
	}
}

func (ss *SqlStore) List(ctx context.Context, query model.ListQuery) ([]model.DashboardSummary, error) {
	query, err := query.Normalized()
	if err != nil {
		return nil, err
	}
	tx := ss.db(ctx).Model(&DashboardRow{}).Select(summaryColumns)
	if query.XpName != nil {
		tx = tx.Where("xp_name = ?", *query.XpName)
	}
	if query.User != nil {
		tx = tx.Where(clause.Eq{Column: clause.Column{Name: "user"}, Value: *query.User})
	}
	if query.Tag != nil {
		tx = tx.Where("EXISTS (SELECT 1 FROM json_each(dashboards.tags) WHERE json_each.value = ?)", *query.Tag)
	}
	if query.Permanent != nil {
		tx = tx.Where("permanent = ?", *query.Permanent)
	}
	var rows []DashboardRow
	if err := tx.Scopes(paginate(query)).Find(&rows).Error; err != nil {
		return nil, model.NewStorageError("list", err)
	}
	summaries := make([]model.DashboardSummary, 0, len(rows))
	for i := range rows {
		summary, err := rows[i].summary()
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// load reads a row inside tx and maps a missing row to ErrNotFound.
func (ss *SqlStore) load(tx *gorm.DB, id uuid.UUID) (*model.DashboardRecord, error) {
	var row DashboardRow
	if err := tx.First(&row, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, model.NewStorageError("get", err)
	}
	return ss.toRecord(&row)
}

func (ss *SqlStore) save(tx *gorm.DB, record *model.DashboardRecord) error {
	row, err := ss.toRow(record)
	if err != nil {
		return model.NewStorageError("encode", err)
	}
	if err := tx.Save(row).Error; err != nil {
		return model.NewStorageError("save", err)
	}
	return nil
}

func (ss *SqlStore) Replace(ctx context.Context, id uuid.UUID, next *model.DashboardRecord) (*model.DashboardRecord, error) {
	var result *model.DashboardRecord
	err := ss.db(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := ss.load(tx, id)
		if err != nil {
			return err
		}
		record, err := replacement(current, next, ss.now)
		if err != nil {
			return err
		}
		result = record
		return ss.save(tx, record)
	})
	if err != nil {
		return nil, ss.wrap("replace", err)
	}
	return result, nil
}

func (ss *SqlStore) UpdateMeta(ctx context.Context, id uuid.UUID, update model.MetaUpdate) (*model.DashboardRecord, error) {
	var result *model.DashboardRecord
	err := ss.db(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := ss.load(tx, id)
		if err != nil {
			return err
		}
		if err := update.Apply(&record.DashboardMeta); err != nil {
			return err
		}
		record.UpdatedAt = ss.now()
		result = record
		return ss.save(tx, record)
	})
	if err != nil {
		return nil, ss.wrap("update meta", err)
	}
	return result, nil
}

// wrap keeps taxonomy errors and wraps anything else as a storage error.
func (ss *SqlStore) wrap(op string, err error) error {
	var storageErr *model.StorageError
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrConflict) || errors.As(err, &storageErr) {
		return err
	}
	return model.NewStorageError(op, err)
}

func (ss *SqlStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tx := ss.db(ctx).Delete(&DashboardRow{}, "id = ?", id.String())
	if tx.Error != nil {
		return false, model.NewStorageError("delete", tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (ss *SqlStore) Touch(ctx context.Context, id uuid.UUID) error {
	now := ss.now()
	tx := ss.db(ctx).Model(&DashboardRow{}).Where("id = ?", id.String()).UpdateColumns(map[string]any{
		"last_accessed_at": now,
		"expires_at":       gorm.Expr("CASE WHEN ttl IS NULL THEN NULL ELSE ? + ttl * 1000 END", now.UnixMilli()),
	})
	if tx.Error != nil {
		return model.NewStorageError("touch", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (ss *SqlStore) UpdateBuildStatus(ctx context.Context, id uuid.UUID, status model.BuildStatus, buildError *string) error {
	if !status.Valid() {
		return model.ConflictError("unknown build status %q", status)
	}
	tx := ss.db(ctx).Model(&DashboardRow{}).Where("id = ?", id.String()).UpdateColumns(map[string]any{
		"build_status": string(status),
		"build_error":  model.BuildErrorFor(status, buildError),
	})
	if tx.Error != nil {
		return model.NewStorageError("update build status", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// CleanupExpired is one DELETE statement: a touch committed before it moved
// expires_at forward and keeps the row.
func (ss *SqlStore) CleanupExpired(ctx context.Context, excluded []uuid.UUID) (int64, error) {
	tx := ss.db(ctx).
		Where("permanent = ? AND expires_at IS NOT NULL AND expires_at < ?", false, ss.now().UnixMilli())
	if len(excluded) > 0 {
		tx = tx.Where("id NOT IN ?", lo.Map(excluded, func(id uuid.UUID, _ int) string { return id.String() }))
	}
	tx = tx.Delete(&DashboardRow{})
	if tx.Error != nil {
		return 0, model.NewStorageError("cleanup expired", tx.Error)
	}
	return tx.RowsAffected, nil
}

// Ping checks that the database file answers.
func (ss *SqlStore) Ping() error {
	return ss.DatabaseContext.Ping()
}

func (ss *SqlStore) Close() error {
	return ss.DatabaseContext.Close()
}
