// Package storetest holds the behaviour every DashboardStore backend must show.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metraction/vidi/internal/store"
	"github.com/metraction/vidi/pkg/model"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var document = json.RawMessage(`{"plots":[{"id":1},{"id":2}],"tabs":[{"plots":[{"id":3}]}],"layout":{"cols":1,"rows":1}}`)

func newRecord(t *testing.T, ttl *int64, permanent bool) *model.DashboardRecord {
	t.Helper()
	record, err := model.NewDashboardRecord(document, permanent, ttl, 3600)
	require.NoError(t, err)
	return record
}

// Run exercises makeStore with a fresh store per sub test.
func Run(t *testing.T, makeStore func(t *testing.T) store.DashboardStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("01 create and get", func(t *testing.T) {
		s := makeStore(t)
		record := newRecord(t, nil, false)
		record.XpName = lo.ToPtr("mnist")
		record.Tags = []string{"gpu", "nightly"}
		created, err := s.Create(ctx, record)
		require.NoError(t, err)
		assert.Equal(t, record.ID, created.ID)

		got, err := s.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, record.ID, got.ID)
		assert.Equal(t, "mnist", *got.XpName)
		assert.Nil(t, got.User)
		assert.Equal(t, []string{"gpu", "nightly"}, got.Tags)
		assert.JSONEq(t, string(document), string(got.Document))
		assert.Equal(t, model.BuildStatusPending, got.BuildStatus)
		assert.WithinDuration(t, record.CreatedAt, got.CreatedAt, time.Millisecond)
		assert.WithinDuration(t, record.LastAccessedAt, got.LastAccessedAt, time.Millisecond)
	})

	t.Run("02 create conflicts", func(t *testing.T) {
		s := makeStore(t)
		record := newRecord(t, nil, false)
		_, err := s.Create(ctx, record)
		require.NoError(t, err)
		_, err = s.Create(ctx, record)
		assert.ErrorIs(t, err, model.ErrConflict)

		broken := newRecord(t, nil, false)
		broken.Permanent = true
		_, err = s.Create(ctx, broken)
		assert.ErrorIs(t, err, model.ErrConflict)
		_, err = s.Get(ctx, broken.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("03 missing dashboards", func(t *testing.T) {
		s := makeStore(t)
		id := uuid.New()
		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.Replace(ctx, id, newRecord(t, nil, false))
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.UpdateMeta(ctx, id, model.MetaUpdate{User: lo.ToPtr("x")})
		assert.ErrorIs(t, err, model.ErrNotFound)
		assert.ErrorIs(t, s.Touch(ctx, id), model.ErrNotFound)
		assert.ErrorIs(t, s.UpdateBuildStatus(ctx, id, model.BuildStatusReady, nil), model.ErrNotFound)
	})

	t.Run("04 delete is idempotent", func(t *testing.T) {
		s := makeStore(t)
		record := newRecord(t, nil, false)
		_, err := s.Create(ctx, record)
		require.NoError(t, err)
		deleted, err := s.Delete(ctx, record.ID)
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = s.Delete(ctx, record.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("05 replace keeps created_at and resets build", func(t *testing.T) {
		s := makeStore(t)
		record := newRecord(t, nil, false)
		_, err := s.Create(ctx, record)
		require.NoError(t, err)
		require.NoError(t, s.UpdateBuildStatus(ctx, record.ID, model.BuildStatusFailed, lo.ToPtr("cargo exploded")))

		next := newRecord(t, nil, true)
		next.Document = json.RawMessage(`{"plots":[]}`)
		next.User = lo.ToPtr("alice")
		time.Sleep(5 * time.Millisecond)
		replaced, err := s.Replace(ctx, record.ID, next)
		require.NoError(t, err)
		assert.Equal(t, record.ID, replaced.ID)

		got, err := s.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, record.CreatedAt, got.CreatedAt, time.Millisecond)
		assert.True(t, got.UpdatedAt.After(record.UpdatedAt))
		assert.Equal(t, model.BuildStatusPending, got.BuildStatus)
		assert.Nil(t, got.BuildError)
		assert.True(t, got.Permanent)
		assert.Nil(t, got.TTL)
		assert.Equal(t, "alice", *got.User)
		assert.JSONEq(t, `{"plots":[]}`, string(got.Document))

		_, err = s.Replace(ctx, record.ID, &model.DashboardRecord{DashboardMeta: next.DashboardMeta, Document: json.RawMessage(`{`)})
		assert.ErrorIs(t, err, model.ErrConflict)
	})

	t.Run("06 update meta", func(t *testing.T) {
		s := makeStore(t)
		record := newRecord(t, lo.ToPtr(int64(60)), false)
		record.XpName = lo.ToPtr("xp")
		_, err := s.Create(ctx, record)
		require.NoError(t, err)
		require.NoError(t, s.UpdateBuildStatus(ctx, record.ID, model.BuildStatusReady, nil))

		updated, err := s.UpdateMeta(ctx, record.ID, model.MetaUpdate{Tags: &[]string{"a"}, Permanent: lo.ToPtr(true)})
		require.NoError(t, err)
		assert.True(t, updated.Permanent)
		assert.Nil(t, updated.TTL)

		got, err := s.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, "xp", *got.XpName)
		assert.Equal(t, []string{"a"}, got.Tags)
		assert.True(t, got.Permanent)
		assert.Nil(t, got.TTL)
		assert.Equal(t, model.BuildStatusReady, got.BuildStatus)
		assert.False(t, got.UpdatedAt.Before(record.UpdatedAt))

		_, err = s.UpdateMeta(ctx, record.ID, model.MetaUpdate{Permanent: lo.ToPtr(false)})
		assert.ErrorIs(t, err, model.ErrConflict)
		got, err = s.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.True(t, got.Permanent)
	})

	t.Run("07 build status does not touch updated_at", func(t *testing.T) {
		s := makeStore(t)
		record := newRecord(t, nil, false)
		_, err := s.Create(ctx, record)
		require.NoError(t, err)
		before, err := s.Get(ctx, record.ID)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.UpdateBuildStatus(ctx, record.ID, model.BuildStatusBuilding, nil))
		require.NoError(t, s.UpdateBuildStatus(ctx, record.ID, model.BuildStatusFailed, lo.ToPtr("boom")))
		got, err := s.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BuildStatusFailed, got.BuildStatus)
		assert.Equal(t, "boom", *got.BuildError)
		assert.True(t, before.UpdatedAt.Equal(got.UpdatedAt))

		require.NoError(t, s.UpdateBuildStatus(ctx, record.ID, model.BuildStatusPending, lo.ToPtr("ignored")))
		got, err = s.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Nil(t, got.BuildError)
		assert.ErrorIs(t, s.UpdateBuildStatus(ctx, record.ID, "compiling", nil), model.ErrConflict)

		require.NoError(t, s.UpdateBuildStatus(ctx, record.ID, model.BuildStatusFailed, nil))
		got, err = s.Get(ctx, record.ID)
		require.NoError(t, err)
		require.NotNil(t, got.BuildError)
		assert.Equal(t, model.UnknownBuildError, *got.BuildError)
	})

	t.Run("08 touch bumps last_accessed_at only", func(t *testing.T) {
		s := makeStore(t)
		record := newRecord(t, nil, false)
		_, err := s.Create(ctx, record)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.Touch(ctx, record.ID))
		got, err := s.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.True(t, got.LastAccessedAt.After(record.LastAccessedAt))
		assert.WithinDuration(t, record.UpdatedAt, got.UpdatedAt, time.Millisecond)
	})

	t.Run("09 list filters", func(t *testing.T) {
		s := makeStore(t)
		a := newRecord(t, nil, false)
		a.XpName, a.User, a.Tags = lo.ToPtr("xp1"), lo.ToPtr("alice"), []string{"gpu"}
		b := newRecord(t, nil, true)
		b.XpName, b.User, b.Tags = lo.ToPtr("xp1"), lo.ToPtr("bob"), []string{"gpu", "cpu"}
		c := newRecord(t, nil, false)
		c.XpName, c.Tags = lo.ToPtr("xp2"), []string{"cpu"}
		for _, r := range []*model.DashboardRecord{a, b, c} {
			_, err := s.Create(ctx, r)
			require.NoError(t, err)
		}
		ids := func(query model.ListQuery) []uuid.UUID {
			summaries, err := s.List(ctx, query)
			require.NoError(t, err)
			return lo.Map(summaries, func(s model.DashboardSummary, _ int) uuid.UUID { return s.ID })
		}
		assert.Len(t, ids(model.ListQuery{}), 3)
		assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, ids(model.ListQuery{XpName: lo.ToPtr("xp1")}))
		assert.ElementsMatch(t, []uuid.UUID{b.ID}, ids(model.ListQuery{User: lo.ToPtr("bob")}))
		assert.ElementsMatch(t, []uuid.UUID{b.ID, c.ID}, ids(model.ListQuery{Tag: lo.ToPtr("cpu")}))
		assert.ElementsMatch(t, []uuid.UUID{a.ID, c.ID}, ids(model.ListQuery{Permanent: lo.ToPtr(false)}))
		assert.ElementsMatch(t, []uuid.UUID{a.ID}, ids(model.ListQuery{XpName: lo.ToPtr("xp1"), Tag: lo.ToPtr("gpu"), Permanent: lo.ToPtr(false)}))
		assert.Empty(t, ids(model.ListQuery{Tag: lo.ToPtr("tpu")}))

		summaries, err := s.List(ctx, model.ListQuery{User: lo.ToPtr("alice")})
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		assert.Equal(t, 3, summaries[0].PlotCount)
		assert.Equal(t, model.BuildStatusPending, summaries[0].BuildStatus)
		assert.Equal(t, []string{"gpu"}, summaries[0].Tags)
	})

	t.Run("10 list sort and paginate", func(t *testing.T) {
		s := makeStore(t)
		base := time.Now().UTC().Add(-time.Hour)
		var records []*model.DashboardRecord
		for i := 0; i < 5; i++ {
			r := newRecord(t, nil, false)
			r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			r.UpdatedAt = base.Add(time.Duration(10-i) * time.Minute)
			r.LastAccessedAt = r.CreatedAt
			_, err := s.Create(ctx, r)
			require.NoError(t, err)
			records = append(records, r)
		}
		ids := func(query model.ListQuery) []uuid.UUID {
			summaries, err := s.List(ctx, query)
			require.NoError(t, err)
			return lo.Map(summaries, func(s model.DashboardSummary, _ int) uuid.UUID { return s.ID })
		}
		all := lo.Map(records, func(r *model.DashboardRecord, _ int) uuid.UUID { return r.ID })
		assert.Equal(t, all, ids(model.ListQuery{Sort: model.SortByCreatedAt, Order: model.SortAsc}))
		assert.Equal(t, all, ids(model.ListQuery{})) // updated_at desc
		assert.Equal(t, lo.Reverse(append([]uuid.UUID{}, all...)), ids(model.ListQuery{Sort: model.SortByLastAccessedAt, Order: model.SortDesc}))
		assert.Equal(t, all[1:3], ids(model.ListQuery{Sort: model.SortByCreatedAt, Order: model.SortAsc, Offset: 1, Limit: 2}))
		assert.Empty(t, ids(model.ListQuery{Offset: 10}))

		_, err := s.List(ctx, model.ListQuery{Sort: "document"})
		assert.ErrorIs(t, err, model.ErrConflict)
	})

	t.Run("11 expired dashboards are swept", func(t *testing.T) {
		s := makeStore(t)
		short := newRecord(t, lo.ToPtr(int64(1)), false)
		long := newRecord(t, lo.ToPtr(int64(3600)), false)
		permanent := newRecord(t, nil, true)
		for _, r := range []*model.DashboardRecord{short, long, permanent} {
			_, err := s.Create(ctx, r)
			require.NoError(t, err)
		}
		time.Sleep(2 * time.Second)
		count, err := s.CleanupExpired(ctx, []uuid.UUID{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		_, err = s.Get(ctx, short.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.Get(ctx, long.ID)
		assert.NoError(t, err)
		_, err = s.Get(ctx, permanent.ID)
		assert.NoError(t, err)
	})

	t.Run("12 excluded and touched dashboards survive", func(t *testing.T) {
		s := makeStore(t)
		viewed := newRecord(t, lo.ToPtr(int64(1)), false)
		touched := newRecord(t, lo.ToPtr(int64(1)), false)
		stale := newRecord(t, lo.ToPtr(int64(1)), false)
		for _, r := range []*model.DashboardRecord{viewed, touched, stale} {
			_, err := s.Create(ctx, r)
			require.NoError(t, err)
		}
		time.Sleep(1500 * time.Millisecond)
		require.NoError(t, s.Touch(ctx, touched.ID))
		count, err := s.CleanupExpired(ctx, []uuid.UUID{viewed.ID})
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		_, err = s.Get(ctx, viewed.ID)
		assert.NoError(t, err)
		_, err = s.Get(ctx, touched.ID)
		assert.NoError(t, err)
		_, err = s.Get(ctx, stale.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("13 concurrent readers see whole records", func(t *testing.T) {
		s := makeStore(t)
		record := newRecord(t, nil, false)
		_, err := s.Create(ctx, record)
		require.NoError(t, err)
		docs := []json.RawMessage{json.RawMessage(`{"plots":[],"v":1}`), json.RawMessage(`{"plots":[],"v":2}`)}
		nexts := make([]*model.DashboardRecord, 20)
		for i := range nexts {
			nexts[i] = newRecord(t, nil, false)
			nexts[i].Document = docs[i%2]
			nexts[i].XpName = lo.ToPtr(string(docs[i%2]))
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, next := range nexts {
				_, err := s.Replace(ctx, record.ID, next)
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				got, err := s.Get(ctx, record.ID)
				if !assert.NoError(t, err) {
					return
				}
				if got.XpName != nil {
					assert.JSONEq(t, *got.XpName, string(got.Document))
				}
			}
		}()
		wg.Wait()
	})

	t.Run("14 concurrent writers on one dashboard", func(t *testing.T) {
		s := makeStore(t)
		record := newRecord(t, nil, false)
		_, err := s.Create(ctx, record)
		require.NoError(t, err)
		statuses := []model.BuildStatus{model.BuildStatusBuilding, model.BuildStatusReady, model.BuildStatusPending}
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(3)
			go func() {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					_, err := s.UpdateMeta(ctx, record.ID, model.MetaUpdate{XpName: lo.ToPtr("writer"), TTL: lo.ToPtr(int64(60 + i))})
					assert.NoError(t, err)
				}
			}()
			go func() {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					assert.NoError(t, s.UpdateBuildStatus(ctx, record.ID, statuses[i%len(statuses)], nil))
				}
			}()
			go func() {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					assert.NoError(t, s.Touch(ctx, record.ID))
				}
			}()
		}
		wg.Wait()
		got, err := s.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, "writer", lo.FromPtr(got.XpName))
		assert.True(t, got.BuildStatus.Valid())
	})
}
