package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metraction/vidi/internal/logging"
	"github.com/metraction/vidi/internal/store"
	"github.com/metraction/vidi/internal/utils"
	"github.com/metraction/vidi/pkg/model"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDocument = `{"title":"loss","plots":[{"kind":"line"}]}`

// fakeRunner pretends to be the toolchain. Bindgen writes the artifact files
// unless handle replaces the behaviour of a tool.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []Command
	missing   map[string]bool
	handle    func(ctx context.Context, cmd Command) (Output, error)
	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.missing[name] {
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return "/usr/bin/" + name, nil
}

func (f *fakeRunner) Run(ctx context.Context, cmd Command) (Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	active := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxActive.Load()
		if active <= seen || f.maxActive.CompareAndSwap(seen, active) {
			break
		}
	}

	if f.handle != nil {
		return f.handle(ctx, cmd)
	}
	return defaultTool(cmd)
}

func defaultTool(cmd Command) (Output, error) {
	if cmd.Name != "wasm-bindgen" {
		return Output{}, nil
	}
	outDir := cmd.Args[lo.IndexOf(cmd.Args, "--out-dir")+1]
	for _, name := range []string{ArtifactEntry, ArtifactWasm} {
		if err := os.WriteFile(filepath.Join(outDir, name), []byte("artifact"), 0644); err != nil {
			return Output{}, err
		}
	}
	return Output{}, nil
}

// await fails the test when ch is not closed in time.
func await(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the build to start")
	}
}

func (f *fakeRunner) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lo.Map(f.calls, func(cmd Command, _ int) string { return cmd.Name })
}

func testConfig(t *testing.T) *model.BuildConfig {
	root := t.TempDir()
	return &model.BuildConfig{
		Enabled:         true,
		Workspace:       filepath.Join(root, "renderer"),
		TemplateDir:     filepath.Join(root, "renderer", "dashboard-template"),
		TemplatePackage: "dashboard-template",
		WorkDir:         filepath.Join(root, "work"),
		ArtifactDir:     filepath.Join(root, "wasm"),
		MaxConcurrent:   1,
		StageTimeout:    "5s",
		Compiler:        "cargo",
		WasmTarget:      "wasm32-unknown-unknown",
		Bindgen:         "wasm-bindgen",
		Optimizer:       "wasm-opt",
	}
}

func newTestPipeline(t *testing.T, runner *fakeRunner) (*Pipeline, *store.MemoryStore) {
	t.Helper()
	config := testConfig(t)
	require.NoError(t, os.MkdirAll(config.TemplateDir, 0755))
	ctx, cancel := context.WithCancel(context.Background())
	ms := store.NewMemoryStore()
	pipeline := NewPipeline(ctx, config, ms, runner, logging.NewLogger("debug", "component", "Pipeline"))
	t.Cleanup(func() {
		cancel()
		pipeline.Wait()
	})
	return pipeline, ms
}

func createDashboard(t *testing.T, ms *store.MemoryStore) *model.DashboardRecord {
	t.Helper()
	record, err := model.NewDashboardRecord([]byte(testDocument), true, nil, 0)
	require.NoError(t, err)
	record, err = ms.Create(context.Background(), record)
	require.NoError(t, err)
	return record
}

func buildStatus(t *testing.T, ms *store.MemoryStore, id uuid.UUID) model.BuildStatus {
	t.Helper()
	record, err := ms.Get(context.Background(), id)
	require.NoError(t, err)
	return record.BuildStatus
}

func TestCompile(t *testing.T) {
	ctx := context.Background()

	t.Run("01 all stages succeed", func(t *testing.T) {
		runner := &fakeRunner{}
		pipeline, ms := newTestPipeline(t, runner)
		record := createDashboard(t, ms)

		require.NoError(t, pipeline.Compile(ctx, record.ID, record.Document))
		assert.Equal(t, model.BuildStatusReady, buildStatus(t, ms, record.ID))
		assert.True(t, pipeline.WasmExists(record.ID))
		assert.False(t, pipeline.IsCompiling(record.ID))
		assert.Equal(t, []string{"cargo", "wasm-bindgen", "wasm-opt"}, runner.names())

		// build input is handed to the template crate
		data, err := os.ReadFile(filepath.Join(pipeline.Config.TemplateDir, DocumentFile))
		require.NoError(t, err)
		assert.JSONEq(t, testDocument, string(data))

		compile := runner.calls[0]
		assert.Equal(t, pipeline.Config.Workspace, compile.Dir)
		assert.Equal(t, []string{"build", "--release", "--target", "wasm32-unknown-unknown", "-p", "dashboard-template"}, compile.Args)
		bindgen := runner.calls[1]
		assert.Equal(t, filepath.Join(pipeline.Config.Workspace, "target", "wasm32-unknown-unknown", "release", "dashboard_template.wasm"), bindgen.Args[0])
		assert.Contains(t, bindgen.Args, pipeline.ArtifactPath(record.ID))
		assert.Equal(t, uint64(1), pipeline.Stats().Ready)
	})

	t.Run("02 compiler failure records diagnostic", func(t *testing.T) {
		runner := &fakeRunner{handle: func(ctx context.Context, cmd Command) (Output, error) {
			if cmd.Name == "cargo" {
				return Output{Stderr: "\x1b[31merror[E0425]\x1b[0m: cannot find value `plot`\n"}, errors.New("exit status 101")
			}
			return defaultTool(cmd)
		}}
		pipeline, ms := newTestPipeline(t, runner)
		record := createDashboard(t, ms)

		err := pipeline.Compile(ctx, record.ID, record.Document)
		var failed *model.BuildFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, StageCompile, failed.Stage)
		assert.Equal(t, "error[E0425]: cannot find value `plot`", failed.Diagnostic)

		stored, err := ms.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BuildStatusFailed, stored.BuildStatus)
		require.NotNil(t, stored.BuildError)
		assert.Contains(t, *stored.BuildError, "E0425")
		assert.Equal(t, []string{"cargo"}, runner.names())
		assert.False(t, pipeline.WasmExists(record.ID))
		assert.False(t, pipeline.IsCompiling(record.ID))
	})

	t.Run("03 optimizer failure keeps the build", func(t *testing.T) {
		runner := &fakeRunner{handle: func(ctx context.Context, cmd Command) (Output, error) {
			if cmd.Name == "wasm-opt" {
				return Output{Stderr: "out of memory"}, errors.New("exit status 1")
			}
			return defaultTool(cmd)
		}}
		pipeline, ms := newTestPipeline(t, runner)
		record := createDashboard(t, ms)

		require.NoError(t, pipeline.Compile(ctx, record.ID, record.Document))
		assert.Equal(t, model.BuildStatusReady, buildStatus(t, ms, record.ID))
	})

	t.Run("04 missing optimizer is skipped", func(t *testing.T) {
		runner := &fakeRunner{missing: map[string]bool{"wasm-opt": true}}
		pipeline, ms := newTestPipeline(t, runner)
		record := createDashboard(t, ms)

		require.NoError(t, pipeline.Compile(ctx, record.ID, record.Document))
		assert.Equal(t, []string{"cargo", "wasm-bindgen"}, runner.names())
		assert.Equal(t, model.BuildStatusReady, buildStatus(t, ms, record.ID))
	})

	t.Run("05 stage timeout fails the build", func(t *testing.T) {
		runner := &fakeRunner{handle: func(ctx context.Context, cmd Command) (Output, error) {
			<-ctx.Done()
			return Output{}, ctx.Err()
		}}
		pipeline, ms := newTestPipeline(t, runner)
		pipeline.stageTimeout = 50 * time.Millisecond
		record := createDashboard(t, ms)

		err := pipeline.Compile(ctx, record.ID, record.Document)
		var failed *model.BuildFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, StageCompile, failed.Stage)
		assert.Contains(t, failed.Diagnostic, "timeout after")
		assert.Equal(t, model.BuildStatusFailed, buildStatus(t, ms, record.ID))
	})

	t.Run("06 panic releases slot and claim", func(t *testing.T) {
		var calls atomic.Int32
		runner := &fakeRunner{handle: func(ctx context.Context, cmd Command) (Output, error) {
			if cmd.Name == "cargo" && calls.Add(1) == 1 {
				panic("toolchain exploded")
			}
			return defaultTool(cmd)
		}}
		pipeline, ms := newTestPipeline(t, runner)
		record := createDashboard(t, ms)

		err := pipeline.Compile(ctx, record.ID, record.Document)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "toolchain exploded")
		assert.Equal(t, model.BuildStatusFailed, buildStatus(t, ms, record.ID))
		assert.False(t, pipeline.IsCompiling(record.ID))

		require.NoError(t, pipeline.Compile(ctx, record.ID, record.Document))
		assert.Equal(t, model.BuildStatusReady, buildStatus(t, ms, record.ID))
	})

	t.Run("07 invalid document fails serialize", func(t *testing.T) {
		runner := &fakeRunner{}
		pipeline, ms := newTestPipeline(t, runner)
		record := createDashboard(t, ms)

		err := pipeline.Compile(ctx, record.ID, []byte("{"))
		var failed *model.BuildFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, StageSerialize, failed.Stage)
		assert.Empty(t, runner.names())
	})

	t.Run("08 disabled pipeline leaves status pending", func(t *testing.T) {
		runner := &fakeRunner{}
		pipeline, ms := newTestPipeline(t, runner)
		pipeline.Config.Enabled = false
		record := createDashboard(t, ms)

		require.NoError(t, pipeline.Compile(ctx, record.ID, record.Document))
		require.NoError(t, pipeline.Submit(record.ID, record.Document))
		assert.ErrorIs(t, pipeline.Recompile(ctx, record.ID), model.ErrToolchainUnavailable)
		assert.Equal(t, model.BuildStatusPending, buildStatus(t, ms, record.ID))
		assert.Empty(t, runner.names())
	})
}

func TestDeduplication(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	runner := &fakeRunner{handle: func(ctx context.Context, cmd Command) (Output, error) {
		if cmd.Name == "cargo" {
			once.Do(func() { close(started) })
			select {
			case <-unblock:
			case <-ctx.Done():
				return Output{}, ctx.Err()
			}
		}
		return defaultTool(cmd)
	}}
	pipeline, ms := newTestPipeline(t, runner)
	record := createDashboard(t, ms)

	t.Run("01 second trigger is rejected", func(t *testing.T) {
		require.NoError(t, pipeline.Submit(record.ID, record.Document))
		await(t, started)
		assert.True(t, pipeline.IsCompiling(record.ID))
		assert.Equal(t, model.BuildStatusBuilding, buildStatus(t, ms, record.ID))

		assert.ErrorIs(t, pipeline.Submit(record.ID, record.Document), model.ErrAlreadyInProgress)
		assert.ErrorIs(t, pipeline.Compile(ctx, record.ID, record.Document), model.ErrAlreadyInProgress)
		assert.ErrorIs(t, pipeline.Recompile(ctx, record.ID), model.ErrAlreadyInProgress)
		assert.Equal(t, 1, pipeline.Stats().InFlight)
	})

	t.Run("02 concurrent triggers claim once", func(t *testing.T) {
		other := createDashboard(t, ms)
		var accepted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if pipeline.Submit(other.ID, other.Document) == nil {
					accepted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), accepted.Load())
	})

	t.Run("03 rejected submits rebuild once after the running build", func(t *testing.T) {
		close(unblock)
		pipeline.Wait()
		assert.False(t, pipeline.IsCompiling(record.ID))
		assert.Equal(t, model.BuildStatusReady, buildStatus(t, ms, record.ID))
		// two dashboards, each built and rebuilt once
		assert.Equal(t, 4, lo.Count(runner.names(), "cargo"))
		assert.Equal(t, int32(1), runner.maxActive.Load())
		assert.Equal(t, uint64(2), pipeline.Stats().Ready)
	})
}

func TestRebuildAfterReplace(t *testing.T) {
	ctx := context.Background()
	const replaced = `{"title":"accuracy","plots":[]}`
	started := make(chan struct{})
	unblock := make(chan struct{})
	var cargoCalls atomic.Int32
	runner := &fakeRunner{}
	pipeline, ms := newTestPipeline(t, runner)
	record := createDashboard(t, ms)
	var statuses []model.BuildStatus
	var statusMu sync.Mutex
	runner.handle = func(ctx context.Context, cmd Command) (Output, error) {
		if cmd.Name == "cargo" {
			if stored, err := ms.Get(ctx, record.ID); err == nil {
				statusMu.Lock()
				statuses = append(statuses, stored.BuildStatus)
				statusMu.Unlock()
			}
			if cargoCalls.Add(1) == 1 {
				close(started)
				select {
				case <-unblock:
				case <-ctx.Done():
					return Output{}, ctx.Err()
				}
			}
		}
		return defaultTool(cmd)
	}

	t.Run("01 submit during a build is queued", func(t *testing.T) {
		require.NoError(t, pipeline.Submit(record.ID, record.Document))
		await(t, started)
		next, err := model.NewDashboardRecord([]byte(replaced), true, nil, 0)
		require.NoError(t, err)
		_, err = ms.Replace(ctx, record.ID, next)
		require.NoError(t, err)
		assert.ErrorIs(t, pipeline.Submit(record.ID, []byte(replaced)), model.ErrAlreadyInProgress)
	})

	t.Run("02 ready describes the replaced document", func(t *testing.T) {
		close(unblock)
		pipeline.Wait()
		assert.Equal(t, model.BuildStatusReady, buildStatus(t, ms, record.ID))
		assert.False(t, pipeline.IsCompiling(record.ID))
		assert.Equal(t, int32(2), cargoCalls.Load())
		data, err := os.ReadFile(filepath.Join(pipeline.Config.TemplateDir, DocumentFile))
		require.NoError(t, err)
		assert.JSONEq(t, replaced, string(data))
		// the stale build never reported ready
		statusMu.Lock()
		defer statusMu.Unlock()
		assert.Equal(t, []model.BuildStatus{model.BuildStatusBuilding, model.BuildStatusBuilding}, statuses)
		assert.Equal(t, uint64(1), pipeline.Stats().Ready)
	})
}

func TestRecompile(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	pipeline, ms := newTestPipeline(t, runner)

	t.Run("01 unknown dashboard", func(t *testing.T) {
		id := uuid.New()
		assert.ErrorIs(t, pipeline.Recompile(ctx, id), model.ErrNotFound)
		assert.False(t, pipeline.IsCompiling(id))
	})

	t.Run("02 failed dashboard becomes ready", func(t *testing.T) {
		record := createDashboard(t, ms)
		require.NoError(t, ms.UpdateBuildStatus(ctx, record.ID, model.BuildStatusFailed, lo.ToPtr("boom")))

		require.NoError(t, pipeline.Recompile(ctx, record.ID))
		pipeline.Wait()
		stored, err := ms.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BuildStatusReady, stored.BuildStatus)
		assert.Nil(t, stored.BuildError)
	})

	t.Run("03 dashboard deleted while building", func(t *testing.T) {
		record := createDashboard(t, ms)
		unblock := make(chan struct{})
		runner.handle = func(ctx context.Context, cmd Command) (Output, error) {
			select {
			case <-unblock:
			case <-ctx.Done():
				return Output{}, ctx.Err()
			}
			return defaultTool(cmd)
		}
		require.NoError(t, pipeline.Submit(record.ID, record.Document))
		assert.Eventually(t, func() bool { return buildStatus(t, ms, record.ID) == model.BuildStatusBuilding }, time.Second, 10*time.Millisecond)
		_, err := ms.Delete(ctx, record.ID)
		require.NoError(t, err)
		close(unblock)
		pipeline.Wait()
		assert.False(t, pipeline.IsCompiling(record.ID))
	})
}

func TestDeleteArtifact(t *testing.T) {
	ctx := context.Background()
	pipeline, ms := newTestPipeline(t, &fakeRunner{})
	record := createDashboard(t, ms)

	require.NoError(t, pipeline.Compile(ctx, record.ID, record.Document))
	require.True(t, pipeline.WasmExists(record.ID))

	pipeline.DeleteArtifact(record.ID)
	assert.False(t, pipeline.WasmExists(record.ID))
	assert.False(t, utils.DirExists(pipeline.ArtifactPath(record.ID)))
	assert.False(t, utils.DirExists(filepath.Join(pipeline.Config.WorkDir, record.ID.String())))

	// nothing left to remove
	pipeline.DeleteArtifact(record.ID)
	pipeline.DeleteArtifact(uuid.New())
}

func TestExecRunner(t *testing.T) {
	if !utils.IsInstalled("sh") {
		t.Skip("sh not installed")
	}
	ctx := context.Background()
	runner := ExecRunner{}

	out, err := runner.Run(ctx, Command{Name: "sh", Args: []string{"-c", "echo $VIDI_GREETING"}, Env: []string{"VIDI_GREETING=hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.Stdout)

	out, err = runner.Run(ctx, Command{Name: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}})
	require.Error(t, err)
	assert.Equal(t, "broken\n", out.Stderr)

	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = runner.Run(timeout, Command{Name: "sh", Args: []string{"-c", "sleep 5"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
