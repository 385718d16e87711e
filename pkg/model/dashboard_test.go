package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDashboardRecord(t *testing.T) {
	doc := json.RawMessage(`{"plots":[{"id":1}],"tabs":[]}`)

	t.Run("01 default ttl", func(t *testing.T) {
		record, err := NewDashboardRecord(doc, false, nil, 86400)
		require.NoError(t, err)
		assert.Equal(t, int64(86400), *record.TTL)
		assert.False(t, record.Permanent)
		assert.Equal(t, BuildStatusPending, record.BuildStatus)
		assert.Equal(t, record.CreatedAt, record.LastAccessedAt)
	})
	t.Run("02 permanent drops the ttl", func(t *testing.T) {
		record, err := NewDashboardRecord(doc, true, lo.ToPtr(int64(60)), 86400)
		require.NoError(t, err)
		assert.Nil(t, record.TTL)
		assert.Nil(t, record.ExpiresAt())
	})
	t.Run("03 invalid document", func(t *testing.T) {
		_, err := NewDashboardRecord(json.RawMessage(`{"plots":`), false, nil, 10)
		assert.ErrorIs(t, err, ErrConflict)
		_, err = NewDashboardRecord(nil, false, nil, 10)
		assert.ErrorIs(t, err, ErrConflict)
	})
	t.Run("04 non positive ttl", func(t *testing.T) {
		_, err := NewDashboardRecord(doc, false, lo.ToPtr(int64(0)), 10)
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestMetaValidate(t *testing.T) {
	meta := DashboardMeta{Permanent: true, TTL: lo.ToPtr(int64(5)), BuildStatus: BuildStatusPending}
	assert.ErrorIs(t, meta.Validate(), ErrConflict)
	meta = DashboardMeta{Permanent: false, BuildStatus: BuildStatusPending}
	assert.ErrorIs(t, meta.Validate(), ErrConflict)
	meta = DashboardMeta{Permanent: false, TTL: lo.ToPtr(int64(5)), BuildStatus: BuildStatusReady, BuildError: lo.ToPtr("boom")}
	assert.ErrorIs(t, meta.Validate(), ErrConflict)
	meta = DashboardMeta{Permanent: false, TTL: lo.ToPtr(int64(5)), BuildStatus: BuildStatusFailed, BuildError: lo.ToPtr("boom")}
	assert.NoError(t, meta.Validate())
}

func TestIsExpired(t *testing.T) {
	now := time.Now().UTC()
	meta := DashboardMeta{TTL: lo.ToPtr(int64(1)), LastAccessedAt: now.Add(-2 * time.Second)}
	assert.True(t, meta.IsExpired(now))
	meta.LastAccessedAt = now
	assert.False(t, meta.IsExpired(now))
	meta.Permanent, meta.TTL = true, nil
	assert.False(t, meta.IsExpired(now.Add(time.Hour)))
}

func TestMetaUpdateApply(t *testing.T) {
	base := func() DashboardMeta {
		return DashboardMeta{
			XpName:      lo.ToPtr("xp"),
			Tags:        []string{"a"},
			TTL:         lo.ToPtr(int64(100)),
			BuildStatus: BuildStatusReady,
		}
	}
	t.Run("01 absent fields are preserved", func(t *testing.T) {
		meta := base()
		require.NoError(t, (&MetaUpdate{User: lo.ToPtr("bob")}).Apply(&meta))
		assert.Equal(t, "xp", *meta.XpName)
		assert.Equal(t, "bob", *meta.User)
		assert.Equal(t, []string{"a"}, meta.Tags)
		assert.Equal(t, int64(100), *meta.TTL)
		assert.Equal(t, BuildStatusReady, meta.BuildStatus)
	})
	t.Run("02 permanent clears ttl", func(t *testing.T) {
		meta := base()
		require.NoError(t, (&MetaUpdate{Permanent: lo.ToPtr(true), TTL: lo.ToPtr(int64(5))}).Apply(&meta))
		assert.True(t, meta.Permanent)
		assert.Nil(t, meta.TTL)
	})
	t.Run("03 ttl makes a permanent dashboard temporary", func(t *testing.T) {
		meta := base()
		meta.Permanent, meta.TTL = true, nil
		require.NoError(t, (&MetaUpdate{TTL: lo.ToPtr(int64(30))}).Apply(&meta))
		assert.False(t, meta.Permanent)
		assert.Equal(t, int64(30), *meta.TTL)
	})
	t.Run("04 temporary without ttl is a conflict", func(t *testing.T) {
		meta := base()
		meta.Permanent, meta.TTL = true, nil
		err := (&MetaUpdate{Permanent: lo.ToPtr(false)}).Apply(&meta)
		assert.ErrorIs(t, err, ErrConflict)
	})
	t.Run("05 tags are deduplicated", func(t *testing.T) {
		meta := base()
		require.NoError(t, (&MetaUpdate{Tags: &[]string{"x", "y", "x"}}).Apply(&meta))
		assert.Equal(t, []string{"x", "y"}, meta.Tags)
	})
}

func TestPlotCount(t *testing.T) {
	assert.Equal(t, 0, PlotCount(json.RawMessage(`{}`)))
	assert.Equal(t, 0, PlotCount(json.RawMessage(`[1,2]`)))
	assert.Equal(t, 2, PlotCount(json.RawMessage(`{"plots":[{},{}]}`)))
	assert.Equal(t, 5, PlotCount(json.RawMessage(`{"plots":[{}],"tabs":[{"plots":[{},{}]},{"plots":[{},{}]}]}`)))
	assert.Equal(t, 0, PlotCount(json.RawMessage(`not json`)))
}

func TestListQueryNormalized(t *testing.T) {
	q, err := ListQuery{}.Normalized()
	require.NoError(t, err)
	assert.Equal(t, SortByUpdatedAt, q.Sort)
	assert.Equal(t, SortDesc, q.Order)
	assert.Equal(t, DefaultListLimit, q.Limit)
	assert.Equal(t, 0, q.Offset)

	q, err = ListQuery{Limit: 5000}.Normalized()
	require.NoError(t, err)
	assert.Equal(t, MaxListLimit, q.Limit)

	_, err = ListQuery{Sort: "name"}.Normalized()
	assert.ErrorIs(t, err, ErrConflict)
	_, err = ListQuery{Order: "up"}.Normalized()
	assert.ErrorIs(t, err, ErrConflict)
	_, err = ListQuery{Offset: -1}.Normalized()
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBuildErrorFor(t *testing.T) {
	assert.Nil(t, BuildErrorFor(BuildStatusReady, lo.ToPtr("stale")))
	assert.Equal(t, UnknownBuildError, *BuildErrorFor(BuildStatusFailed, nil))
	assert.Equal(t, UnknownBuildError, *BuildErrorFor(BuildStatusFailed, lo.ToPtr("")))
	assert.Equal(t, "boom", *BuildErrorFor(BuildStatusFailed, lo.ToPtr("boom")))
}
