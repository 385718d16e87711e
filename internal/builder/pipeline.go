// Package builder compiles dashboard documents into browser renderer artifacts
// by driving an external toolchain. At most one build runs per dashboard and the
// total number of concurrent builds is bounded.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/metraction/vidi/internal/utils"
	"github.com/metraction/vidi/pkg/model"
	cpy "github.com/otiai10/copy"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultStageTimeout = 10 * time.Minute
	DocumentFile        = "dashboard.json"
	ArtifactName        = "vidi"
	ArtifactEntry       = ArtifactName + ".js"
	ArtifactWasm        = ArtifactName + "_bg.wasm"

	diagnosticLines = 40
)

const (
	StageSerialize = "serialize"
	StageCompile   = "compile"
	StageBindgen   = "bindgen"
	StageOptimize  = "optimize"
)

// BuildStore is the part of the dashboard store the pipeline needs.
type BuildStore interface {
	Get(ctx context.Context, id uuid.UUID) (*model.DashboardRecord, error)
	UpdateBuildStatus(ctx context.Context, id uuid.UUID, status model.BuildStatus, buildError *string) error
}

// BuildStats are cumulative counters since the pipeline was created.
type BuildStats struct {
	InFlight        int
	Ready           uint64
	Failed          uint64
	DurationSeconds float64
}

type Pipeline struct {
	Config *model.BuildConfig
	Logger *zerolog.Logger

	store        BuildStore
	runner       Runner
	stageTimeout time.Duration

	slots      *semaphore.Weighted
	templateMu sync.Mutex // template crate and cargo target dir are shared by all builds

	mu       sync.Mutex
	inFlight map[uuid.UUID]bool // true when a rebuild was requested while building

	ctx context.Context
	wg  sync.WaitGroup

	ready    atomic.Uint64
	failed   atomic.Uint64
	duration atomic.Int64 // nanoseconds
}

// NewPipeline creates a pipeline whose background builds are bound to ctx.
func NewPipeline(ctx context.Context, config *model.BuildConfig, store BuildStore, runner Runner, logger *zerolog.Logger) *Pipeline {
	maxConcurrent := lo.Ternary(config.MaxConcurrent > 0, config.MaxConcurrent, 1)
	return &Pipeline{
		Config:       config,
		Logger:       logger,
		store:        store,
		runner:       runner,
		stageTimeout: utils.DurationOr(config.StageTimeout, DefaultStageTimeout),
		slots:        semaphore.NewWeighted(maxConcurrent),
		inFlight:     make(map[uuid.UUID]bool),
		ctx:          ctx,
	}
}

// claim adds id to the in-flight set unless it is already there.
func (p *Pipeline) claim(id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		return model.ErrAlreadyInProgress
	}
	p.inFlight[id] = false
	return nil
}

// claimOrRequeue claims id, or marks the running build of id to start over
// with the stored document once it ended.
func (p *Pipeline) claimOrRequeue(id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		p.inFlight[id] = true
		return model.ErrAlreadyInProgress
	}
	p.inFlight[id] = false
	return nil
}

// takeRerun clears and returns the rebuild request of id.
func (p *Pipeline) takeRerun(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rerun := p.inFlight[id]
	if rerun {
		p.inFlight[id] = false
	}
	return rerun
}

// settle gives the claim on id back unless a rebuild was requested, in which
// case the caller keeps the claim and builds again.
func (p *Pipeline) settle(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[id] {
		p.inFlight[id] = false
		return true
	}
	delete(p.inFlight, id)
	return false
}

func (p *Pipeline) release(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

func (p *Pipeline) IsCompiling(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[id]
	return ok
}

// Compile builds the document of dashboard id and blocks until the build ended.
// A failed build is recorded on the dashboard and returned as *model.BuildFailedError.
func (p *Pipeline) Compile(ctx context.Context, id uuid.UUID, document []byte) error {
	if !p.Config.Enabled {
		return nil
	}
	if err := p.claim(id); err != nil {
		return err
	}
	return p.run(ctx, id, document)
}

// Submit claims id and builds in the background. Only the claim is synchronous.
// While id is building it returns model.ErrAlreadyInProgress and the running
// build starts over with the stored document when it ended.
func (p *Pipeline) Submit(id uuid.UUID, document []byte) error {
	if !p.Config.Enabled {
		return nil
	}
	if err := p.claimOrRequeue(id); err != nil {
		return err
	}
	p.background(id, document)
	return nil
}

// Recompile rebuilds the stored document of dashboard id in the background.
func (p *Pipeline) Recompile(ctx context.Context, id uuid.UUID) error {
	if !p.Config.Enabled {
		return fmt.Errorf("builds are disabled: %w", model.ErrToolchainUnavailable)
	}
	if err := p.claim(id); err != nil {
		return err
	}
	record, err := p.store.Get(ctx, id)
	if err == nil {
		err = p.store.UpdateBuildStatus(ctx, id, model.BuildStatusPending, nil)
	}
	if err != nil {
		p.release(id)
		return err
	}
	p.background(id, record.Document)
	return nil
}

func (p *Pipeline) background(id uuid.UUID, document []byte) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.run(p.ctx, id, document); err != nil && !errors.Is(err, context.Canceled) {
			p.Logger.Debug().Err(err).Str("dashboard_id", id.String()).Msg("background build ended")
		}
	}()
}

// Wait blocks until all background builds returned.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// run owns the claim on id and gives it back on every path. A rebuild
// requested while building replaces the outcome of the stale document.
func (p *Pipeline) run(ctx context.Context, id uuid.UUID, document []byte) error {
	for {
		err := p.build(ctx, id, document)
		if ctx.Err() != nil {
			p.finish(ctx, id, err)
			p.release(id)
			return err
		}
		if !p.takeRerun(id) {
			p.finish(ctx, id, err)
			if !p.settle(id) {
				return err
			}
		}
		record, gerr := p.store.Get(ctx, id)
		if gerr != nil {
			p.finish(ctx, id, gerr)
			p.release(id)
			return gerr
		}
		document = record.Document
		p.Logger.Info().Str("dashboard_id", id.String()).Msg("Compile() again, document was replaced")
	}
}

// build runs the stages of one document under a build slot.
func (p *Pipeline) build(ctx context.Context, id uuid.UUID, document []byte) (err error) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return &model.BuildFailedError{Stage: "queue", Diagnostic: err.Error()}
	}
	defer p.slots.Release(1)

	elapsed := utils.ElapsedFunc()
	defer func() {
		if r := recover(); r != nil {
			err = &model.BuildFailedError{Stage: "pipeline", Diagnostic: fmt.Sprintf("panic: %v", r)}
			p.Logger.Error().Str("dashboard_id", id.String()).Any("panic", r).Msg("Compile() panic")
		}
		p.duration.Add(int64(elapsed()))
		if err != nil {
			p.Logger.Warn().Err(err).
				Str("dashboard_id", id.String()).
				Any("elapsed", utils.HumanDeltaMilisec(elapsed())).
				Msg("Compile() failed")
			return
		}
		p.Logger.Info().
			Str("dashboard_id", id.String()).
			Any("elapsed", utils.HumanDeltaMilisec(elapsed())).
			Msg("Compile() ready")
	}()

	if err := p.store.UpdateBuildStatus(ctx, id, model.BuildStatusBuilding, nil); err != nil {
		return err
	}
	p.Logger.Info().Str("dashboard_id", id.String()).Msg("Compile() ..")

	return p.stages(ctx, id, document)
}

// finish records the outcome. It also runs when ctx is already cancelled.
func (p *Pipeline) finish(ctx context.Context, id uuid.UUID, err error) {
	ctx = context.WithoutCancel(ctx)
	if err == nil {
		p.ready.Add(1)
		if err := p.store.UpdateBuildStatus(ctx, id, model.BuildStatusReady, nil); err != nil && !errors.Is(err, model.ErrNotFound) {
			p.Logger.Error().Err(err).Str("dashboard_id", id.String()).Msg("set build status")
		}
		return
	}
	p.failed.Add(1)
	if errors.Is(err, model.ErrNotFound) {
		// deleted while building
		return
	}
	diagnostic := err.Error()
	if err := p.store.UpdateBuildStatus(ctx, id, model.BuildStatusFailed, &diagnostic); err != nil && !errors.Is(err, model.ErrNotFound) {
		p.Logger.Error().Err(err).Str("dashboard_id", id.String()).Msg("set build status")
	}
}

func (p *Pipeline) stages(ctx context.Context, id uuid.UUID, document []byte) error {
	artifactDir := p.ArtifactPath(id)

	err := func() error {
		p.templateMu.Lock()
		defer p.templateMu.Unlock()

		if err := p.serialize(id, document); err != nil {
			return &model.BuildFailedError{Stage: StageSerialize, Diagnostic: err.Error()}
		}
		if err := p.exec(ctx, StageCompile, Command{
			Name: p.Config.Compiler,
			Args: []string{"build", "--release", "--target", p.Config.WasmTarget, "-p", p.Config.TemplatePackage},
			Dir:  p.Config.Workspace,
		}); err != nil {
			return err
		}
		if err := os.MkdirAll(artifactDir, 0755); err != nil {
			return &model.BuildFailedError{Stage: StageBindgen, Diagnostic: err.Error()}
		}
		return p.exec(ctx, StageBindgen, Command{
			Name: p.Config.Bindgen,
			Args: []string{p.compiledWasm(), "--target", "web", "--out-dir", artifactDir, "--out-name", ArtifactName, "--no-typescript"},
		})
	}()
	if err != nil {
		return err
	}

	wasm := filepath.Join(artifactDir, ArtifactWasm)
	before := utils.FileSize(wasm)
	if p.Config.Optimizer == "" {
		p.Logger.Debug().Msg("optimizer disabled")
	} else if _, err := p.runner.LookPath(p.Config.Optimizer); err != nil {
		p.Logger.Debug().Str("optimizer", p.Config.Optimizer).Msg("optimizer not installed, skipping")
	} else if err := p.exec(ctx, StageOptimize, Command{
		Name: p.Config.Optimizer,
		Args: []string{"-Oz", "-o", ArtifactWasm, ArtifactWasm},
		Dir:  artifactDir,
	}); err != nil {
		p.Logger.Warn().Err(err).Str("dashboard_id", id.String()).Msg("optimize failed, keeping unoptimized artifact")
	}

	p.Logger.Info().
		Str("dashboard_id", id.String()).
		Str("wasm", humanize.Bytes(utils.FileSize(wasm))).
		Str("wasm(unoptimized)", humanize.Bytes(before)).
		Msg("artifact")
	return nil
}

// serialize writes the build input and places it into the template crate.
func (p *Pipeline) serialize(id uuid.UUID, document []byte) error {
	if err := model.ValidateDocument(document); err != nil {
		return err
	}
	workDir := filepath.Join(p.Config.WorkDir, id.String())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return err
	}
	input := filepath.Join(workDir, DocumentFile)
	if err := os.WriteFile(input, document, 0644); err != nil {
		return err
	}
	return cpy.Copy(input, filepath.Join(p.Config.TemplateDir, DocumentFile))
}

// exec runs one stage under the stage timeout and turns failures into *model.BuildFailedError.
func (p *Pipeline) exec(ctx context.Context, stage string, cmd Command) error {
	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	p.Logger.Debug().Str("stage", stage).Str("cmd", cmd.String()).Msg("stage ..")
	out, err := p.runner.Run(stageCtx, cmd)
	switch {
	case errors.Is(stageCtx.Err(), context.DeadlineExceeded):
		return &model.BuildFailedError{Stage: stage, Diagnostic: fmt.Sprintf("timeout after %s", p.stageTimeout.String())}
	case ctx.Err() != nil:
		return &model.BuildFailedError{Stage: stage, Diagnostic: ctx.Err().Error()}
	case err != nil:
		diagnostic := utils.TailLines(out.Stderr, diagnosticLines)
		if diagnostic == "" {
			diagnostic = err.Error()
		}
		return &model.BuildFailedError{Stage: stage, Diagnostic: diagnostic}
	}
	return nil
}

// compiledWasm is where cargo leaves the template library for the wasm target.
func (p *Pipeline) compiledWasm() string {
	targetDir := lo.Ternary(p.Config.TargetDir != "", p.Config.TargetDir, "target")
	if !filepath.IsAbs(targetDir) {
		targetDir = filepath.Join(p.Config.Workspace, targetDir)
	}
	name := strings.ReplaceAll(p.Config.TemplatePackage, "-", "_") + ".wasm"
	return filepath.Join(targetDir, p.Config.WasmTarget, "release", name)
}

// ArtifactPath is the output directory of dashboard id, served below /wasm/<id>/.
func (p *Pipeline) ArtifactPath(id uuid.UUID) string {
	return filepath.Join(p.Config.ArtifactDir, id.String())
}

func (p *Pipeline) WasmExists(id uuid.UUID) bool {
	return utils.FileExists(filepath.Join(p.ArtifactPath(id), ArtifactEntry))
}

// DeleteArtifact removes build output and input of dashboard id. Errors are only logged.
func (p *Pipeline) DeleteArtifact(id uuid.UUID) {
	for _, dir := range []string{p.ArtifactPath(id), filepath.Join(p.Config.WorkDir, id.String())} {
		if err := os.RemoveAll(dir); err != nil {
			p.Logger.Warn().Err(err).Str("dir", dir).Msg("DeleteArtifact()")
		}
	}
}

func (p *Pipeline) Stats() BuildStats {
	p.mu.Lock()
	inFlight := len(p.inFlight)
	p.mu.Unlock()
	return BuildStats{
		InFlight:        inFlight,
		Ready:           p.ready.Load(),
		Failed:          p.failed.Load(),
		DurationSeconds: time.Duration(p.duration.Load()).Seconds(),
	}
}
