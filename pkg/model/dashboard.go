package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/theory/jsonpath"
)

type BuildStatus string

const (
	BuildStatusPending  BuildStatus = "pending"
	BuildStatusBuilding BuildStatus = "building"
	BuildStatusReady    BuildStatus = "ready"
	BuildStatusFailed   BuildStatus = "failed"
)

func (bs BuildStatus) Valid() bool {
	return lo.Contains([]BuildStatus{BuildStatusPending, BuildStatusBuilding, BuildStatusReady, BuildStatusFailed}, bs)
}

// UnknownBuildError is stored for a failed build that left no diagnostic.
const UnknownBuildError = "build failed without diagnostic"

// BuildErrorFor returns the build_error to store with status: nil unless
// failed, and never nil when failed.
func BuildErrorFor(status BuildStatus, buildError *string) *string {
	if status != BuildStatusFailed {
		return nil
	}
	if buildError == nil || *buildError == "" {
		return lo.ToPtr(UnknownBuildError)
	}
	return lo.ToPtr(*buildError)
}

// DashboardMeta is the identity and governance part of a dashboard.
type DashboardMeta struct {
	ID             uuid.UUID   `json:"id"`
	XpName         *string     `json:"xp_name,omitempty"`
	User           *string     `json:"user,omitempty"`
	Tags           []string    `json:"tags"`
	Permanent      bool        `json:"permanent"`
	TTL            *int64      `json:"ttl,omitempty" doc:"Seconds after last access before the dashboard expires"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	LastAccessedAt time.Time   `json:"last_accessed_at"`
	BuildStatus    BuildStatus `json:"build_status" enum:"pending,building,ready,failed"`
	BuildError     *string     `json:"build_error,omitempty"`
}

// Validate checks the permanent/ttl invariant: exactly one of permanent or ttl is set.
func (m *DashboardMeta) Validate() error {
	switch {
	case m.Permanent && m.TTL != nil:
		return ConflictError("permanent dashboard cannot have a ttl")
	case !m.Permanent && m.TTL == nil:
		return ConflictError("temporary dashboard requires a ttl")
	case m.TTL != nil && *m.TTL <= 0:
		return ConflictError("ttl must be positive, got %d", *m.TTL)
	case !m.BuildStatus.Valid():
		return ConflictError("unknown build status %q", m.BuildStatus)
	case m.BuildStatus != BuildStatusFailed && m.BuildError != nil:
		return ConflictError("build error set while status is %s", m.BuildStatus)
	}
	return nil
}

// ExpiresAt returns the instant after which the dashboard is expired, nil for permanent ones.
func (m *DashboardMeta) ExpiresAt() *time.Time {
	if m.Permanent || m.TTL == nil {
		return nil
	}
	return lo.ToPtr(m.LastAccessedAt.Add(time.Duration(*m.TTL) * time.Second))
}

func (m *DashboardMeta) IsExpired(now time.Time) bool {
	expiresAt := m.ExpiresAt()
	return expiresAt != nil && now.After(*expiresAt)
}

// DashboardRecord is a dashboard with its opaque document.
type DashboardRecord struct {
	DashboardMeta
	Document json.RawMessage `json:"document"`
}

// NewDashboardRecord returns a pending record with a fresh id. Without ttl and
// permanent the default ttl applies.
func NewDashboardRecord(document json.RawMessage, permanent bool, ttl *int64, defaultTTL int64) (*DashboardRecord, error) {
	if err := ValidateDocument(document); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	record := &DashboardRecord{
		DashboardMeta: DashboardMeta{
			ID:             uuid.New(),
			Tags:           []string{},
			Permanent:      permanent,
			TTL:            ttl,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastAccessedAt: now,
			BuildStatus:    BuildStatusPending,
		},
		Document: document,
	}
	if permanent {
		record.TTL = nil
	} else if ttl == nil {
		record.TTL = lo.ToPtr(defaultTTL)
	}
	return record, record.Validate()
}

// ValidateDocument requires that the document is a well formed json value.
func ValidateDocument(document json.RawMessage) error {
	if len(document) == 0 {
		return ConflictError("document is required")
	}
	if !json.Valid(document) {
		return ConflictError("document is not valid json")
	}
	return nil
}

var (
	topLevelPlots = jsonpath.MustParse("$.plots[*]")
	tabPlots      = jsonpath.MustParse("$.tabs[*].plots[*]")
)

// PlotCount counts plots on the top level and inside tabs.
func PlotCount(document json.RawMessage) int {
	var value any
	if err := json.Unmarshal(document, &value); err != nil {
		return 0
	}
	return len(topLevelPlots.Select(value)) + len(tabPlots.Select(value))
}

// DashboardSummary is the list view of a dashboard, without document.
type DashboardSummary struct {
	ID             uuid.UUID   `json:"id"`
	XpName         *string     `json:"xp_name,omitempty"`
	User           *string     `json:"user,omitempty"`
	Tags           []string    `json:"tags"`
	Permanent      bool        `json:"permanent"`
	TTL            *int64      `json:"ttl,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	LastAccessedAt time.Time   `json:"last_accessed_at"`
	PlotCount      int         `json:"plot_count"`
	BuildStatus    BuildStatus `json:"build_status"`
}

// MetaUpdate is a partial metadata update; nil fields are left alone.
type MetaUpdate struct {
	_         struct{}  `additionalProperties:"true"`
	XpName    *string   `json:"xp_name,omitempty" nullable:"true"`
	User      *string   `json:"user,omitempty" nullable:"true"`
	Tags      *[]string `json:"tags,omitempty" nullable:"true"`
	Permanent *bool     `json:"permanent,omitempty" nullable:"true"`
	TTL       *int64    `json:"ttl,omitempty" nullable:"true"`
}

// Apply merges the update into meta. Setting permanent clears the ttl, a ttl
// without permanent=true makes the dashboard temporary.
func (u *MetaUpdate) Apply(meta *DashboardMeta) error {
	if u.XpName != nil {
		meta.XpName = u.XpName
	}
	if u.User != nil {
		meta.User = u.User
	}
	if u.Tags != nil {
		meta.Tags = lo.Uniq(*u.Tags)
	}
	switch {
	case u.Permanent != nil && *u.Permanent:
		meta.Permanent = true
		meta.TTL = nil
	case u.TTL != nil:
		meta.Permanent = false
		meta.TTL = u.TTL
	case u.Permanent != nil:
		meta.Permanent = false
	}
	return meta.Validate()
}

type SortField string

const (
	SortByCreatedAt      SortField = "created_at"
	SortByUpdatedAt      SortField = "updated_at"
	SortByLastAccessedAt SortField = "last_accessed_at"
)

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// ListQuery filters are conjunctive, nil filters match everything.
type ListQuery struct {
	XpName    *string
	User      *string
	Tag       *string
	Permanent *bool
	Sort      SortField
	Order     SortOrder
	Limit     int
	Offset    int
}

// Normalized fills defaults and rejects unknown sort fields.
func (q ListQuery) Normalized() (ListQuery, error) {
	if q.Sort == "" {
		q.Sort = SortByUpdatedAt
	}
	if q.Order == "" {
		q.Order = SortDesc
	}
	if !lo.Contains([]SortField{SortByCreatedAt, SortByUpdatedAt, SortByLastAccessedAt}, q.Sort) {
		return q, ConflictError("unknown sort field %q", q.Sort)
	}
	if q.Order != SortAsc && q.Order != SortDesc {
		return q, ConflictError("unknown sort order %q", q.Order)
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultListLimit
	case q.Limit > MaxListLimit:
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		return q, ConflictError("offset must not be negative")
	}
	return q, nil
}

// Summary returns the list view of the record.
func (r *DashboardRecord) Summary() DashboardSummary {
	return DashboardSummary{
		ID:             r.ID,
		XpName:         r.XpName,
		User:           r.User,
		Tags:           r.Tags,
		Permanent:      r.Permanent,
		TTL:            r.TTL,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		LastAccessedAt: r.LastAccessedAt,
		PlotCount:      PlotCount(r.Document),
		BuildStatus:    r.BuildStatus,
	}
}

func (r *DashboardRecord) String() string {
	return fmt.Sprintf("dashboard %s (%s)", r.ID, r.BuildStatus)
}
