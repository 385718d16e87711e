package builder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/metraction/vidi/internal/utils"
	"github.com/metraction/vidi/pkg/model"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	DefaultBindgenConstraint = "0.2.x"
	DefaultBindgenExpected   = "0.2.106"

	probeTimeout = 30 * time.Second
)

// ToolStatus is the result of checking one external tool.
type ToolStatus struct {
	Name     string `json:"name" yaml:"name"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Required bool   `json:"required" yaml:"required"`
	OK       bool   `json:"ok" yaml:"ok"`
	Message  string `json:"message,omitempty" yaml:"message,omitempty"`
}

type ToolchainReport struct {
	Tools []ToolStatus `json:"tools" yaml:"tools"`
}

// Missing names the required tools that failed their check.
func (r ToolchainReport) Missing() []string {
	return lo.FilterMap(r.Tools, func(tool ToolStatus, _ int) (string, bool) {
		return tool.Name, tool.Required && !tool.OK
	})
}

// VerifyToolchain checks the compiler, the wasm target, the binding generator and
// the optional optimizer. It returns model.ErrToolchainUnavailable when a
// required tool is unusable. Builds keep failing until that is fixed.
func (p *Pipeline) VerifyToolchain(ctx context.Context) (ToolchainReport, error) {
	report := ToolchainReport{}
	elapsed := utils.ElapsedFunc()

	compiler := p.probe(ctx, p.Config.Compiler, true)
	report.Tools = append(report.Tools, compiler)
	report.Tools = append(report.Tools, p.probeTarget(ctx))
	report.Tools = append(report.Tools, p.probeBindgen(ctx))
	if p.Config.Optimizer != "" {
		report.Tools = append(report.Tools, p.probe(ctx, p.Config.Optimizer, false))
	}

	for _, tool := range report.Tools {
		p.Logger.WithLevel(lo.Ternary(tool.OK, zerolog.InfoLevel, zerolog.WarnLevel)).
			Str("tool", tool.Name).
			Str("version", tool.Version).
			Str("path", tool.Path).
			Bool("required", tool.Required).
			Str("message", tool.Message).
			Msg("VerifyToolchain()")
	}

	if missing := report.Missing(); len(missing) > 0 {
		return report, fmt.Errorf("%w: %s", model.ErrToolchainUnavailable, strings.Join(missing, ", "))
	}
	p.Logger.Info().Any("elapsed", utils.HumanDeltaMilisec(elapsed())).Msg("VerifyToolchain() OK")
	return report, nil
}

// probe runs "<name> --version".
func (p *Pipeline) probe(ctx context.Context, name string, required bool) ToolStatus {
	status := ToolStatus{Name: name, Required: required}
	path, err := p.runner.LookPath(name)
	if err != nil {
		status.Message = err.Error()
		return status
	}
	status.Path = path

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := p.runner.Run(probeCtx, Command{Name: name, Args: []string{"--version"}})
	if err != nil {
		status.Message = lo.CoalesceOrEmpty(utils.TailLines(out.Stderr, 3), err.Error())
		return status
	}
	if version, err := utils.VersionOf(out.Stdout + " " + out.Stderr); err == nil {
		status.Version = version.String()
	}
	status.OK = true
	return status
}

// probeTarget asks rustup for the installed targets. Without rustup the target
// cannot be verified, which is not treated as missing.
func (p *Pipeline) probeTarget(ctx context.Context) ToolStatus {
	status := ToolStatus{Name: p.Config.WasmTarget, Required: true}
	if _, err := p.runner.LookPath("rustup"); err != nil {
		status.OK = true
		status.Message = "rustup not installed, target not verified"
		return status
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := p.runner.Run(probeCtx, Command{Name: "rustup", Args: []string{"target", "list", "--installed"}})
	if err != nil {
		status.Message = lo.CoalesceOrEmpty(utils.TailLines(out.Stderr, 3), err.Error())
		return status
	}
	installed := lo.Map(strings.Split(out.Stdout, "\n"), func(line string, _ int) string { return strings.TrimSpace(line) })
	if !lo.Contains(installed, p.Config.WasmTarget) {
		status.Message = fmt.Sprintf("target not installed, run: rustup target add %s", p.Config.WasmTarget)
		return status
	}
	status.OK = true
	return status
}

func (p *Pipeline) probeBindgen(ctx context.Context) ToolStatus {
	expected := lo.CoalesceOrEmpty(p.Config.BindgenExpected, DefaultBindgenExpected)
	constraint := lo.CoalesceOrEmpty(p.Config.BindgenVersion, DefaultBindgenConstraint)

	status := p.probe(ctx, p.Config.Bindgen, true)
	if !status.OK {
		status.Message = fmt.Sprintf("%s, run: cargo install wasm-bindgen-cli --version %s", status.Message, expected)
		return status
	}
	switch {
	case status.Version == "":
		status.Message = "version not reported"
	case !utils.SemverCheck(status.Version, constraint):
		status.OK = false
		status.Message = fmt.Sprintf("version %s does not satisfy %s", status.Version, constraint)
	case status.Version != expected:
		status.Message = fmt.Sprintf("version %s differs from %s the renderer was built with", status.Version, expected)
	}
	return status
}
