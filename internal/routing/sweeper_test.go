package routing

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metraction/vidi/internal/hub"
	"github.com/metraction/vidi/internal/logging"
	"github.com/metraction/vidi/internal/store"
	"github.com/metraction/vidi/pkg/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = logging.NewLogger("debug", "component", "Sweeper")

// expiredDashboard was last seen an hour ago with a one second ttl.
func expiredDashboard(t *testing.T, ms store.DashboardStore) uuid.UUID {
	t.Helper()
	record, err := model.NewDashboardRecord([]byte(`{"plots":[]}`), false, lo.ToPtr(int64(1)), 0)
	require.NoError(t, err)
	record.LastAccessedAt = record.LastAccessedAt.Add(-time.Hour)
	_, err = ms.Create(context.Background(), record)
	require.NoError(t, err)
	return record.ID
}

func nextResult(t *testing.T, out <-chan any) SweepResult {
	t.Helper()
	select {
	case elem, ok := <-out:
		require.True(t, ok, "sweeper flow closed")
		result, ok := elem.(SweepResult)
		require.True(t, ok)
		return result
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for sweep")
	}
	return SweepResult{}
}

func TestSweeperFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ms := store.NewMemoryStore()
	h := hub.NewHub(8, testLogger)
	sweeper := NewSweeper(ms, testLogger)

	watched := expiredDashboard(t, ms)
	unwatched := expiredDashboard(t, ms)
	permanent, err := model.NewDashboardRecord([]byte(`{}`), true, nil, 0)
	require.NoError(t, err)
	_, err = ms.Create(ctx, permanent)
	require.NoError(t, err)

	sub := h.Subscribe(watched)
	stream := NewSweeperFlow(ctx, 20*time.Millisecond, h, sweeper)

	t.Run("01 unwatched expired dashboard is deleted", func(t *testing.T) {
		result := nextResult(t, stream.Out())
		require.NoError(t, result.Err)
		assert.Equal(t, int64(1), result.Deleted)
		assert.Equal(t, 1, result.Active)

		_, err := ms.Get(ctx, unwatched)
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = ms.Get(ctx, watched)
		assert.NoError(t, err)
		_, err = ms.Get(ctx, permanent.ID)
		assert.NoError(t, err)
		assert.Equal(t, float64(1), testutil.ToFloat64(sweeper.Deleted))
	})

	t.Run("02 dashboard goes once the viewer leaves", func(t *testing.T) {
		h.Unsubscribe(sub)
		// a pass that snapshotted the viewer before it left may still be in flight
		var deleted int64
		for i := 0; i < 5 && deleted == 0; i++ {
			deleted = nextResult(t, stream.Out()).Deleted
		}
		assert.Equal(t, int64(1), deleted)
		_, err := ms.Get(ctx, watched)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("03 flow closes with the context", func(t *testing.T) {
		cancel()
		assert.Eventually(t, func() bool {
			select {
			case _, ok := <-stream.Out():
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 5*time.Millisecond)
	})
}

type flakyCleaner struct {
	calls atomic.Int32
}

func (fc *flakyCleaner) CleanupExpired(ctx context.Context, excluded []uuid.UUID) (int64, error) {
	if fc.calls.Add(1) == 1 {
		return 0, model.NewStorageError("cleanup", errors.New("database is locked"))
	}
	return 2, nil
}

func TestSweeperSurvivesStoreErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleaner := &flakyCleaner{}
	sweeper := NewSweeper(cleaner, testLogger)
	stream := NewSweeperFlow(ctx, 10*time.Millisecond, hub.NewHub(1, testLogger), sweeper)

	first := nextResult(t, stream.Out())
	var storageErr *model.StorageError
	assert.ErrorAs(t, first.Err, &storageErr)

	second := nextResult(t, stream.Out())
	assert.NoError(t, second.Err)
	assert.Equal(t, int64(2), second.Deleted)
	assert.Equal(t, float64(2), testutil.ToFloat64(sweeper.Deleted))
}

func TestRunSweeperFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cleaner := &flakyCleaner{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		RunSweeperFlow(ctx, 5*time.Millisecond, hub.NewHub(1, testLogger), NewSweeper(cleaner, testLogger))
	}()
	assert.Eventually(t, func() bool { return cleaner.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func TestSweepLogSinkLevels(t *testing.T) {
	run := func(level zerolog.Level, result SweepResult) string {
		var buf bytes.Buffer
		logger := zerolog.New(&buf).Level(level)
		sink := NewSweepLogSink(&logger)
		sink.In() <- result
		close(sink.In())
		sink.AwaitCompletion()
		return buf.String()
	}

	t.Run("01 idle passes show at debug", func(t *testing.T) {
		assert.Contains(t, run(zerolog.DebugLevel, SweepResult{Active: 2}), "nothing to do")
		assert.Empty(t, run(zerolog.InfoLevel, SweepResult{Active: 2}))
	})

	t.Run("02 deletions show at info", func(t *testing.T) {
		out := run(zerolog.InfoLevel, SweepResult{Deleted: 3})
		assert.Contains(t, out, `"deleted":3`)
	})
}
