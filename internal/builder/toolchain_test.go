package builder

import (
	"context"
	"errors"
	"testing"

	"github.com/metraction/vidi/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolchain(versions map[string]string, targets string) func(ctx context.Context, cmd Command) (Output, error) {
	return func(ctx context.Context, cmd Command) (Output, error) {
		if cmd.Name == "rustup" {
			return Output{Stdout: targets}, nil
		}
		if version, ok := versions[cmd.Name]; ok {
			return Output{Stdout: version + "\n"}, nil
		}
		return Output{Stderr: "unknown tool"}, errors.New("exit status 1")
	}
}

func TestVerifyToolchain(t *testing.T) {
	ctx := context.Background()
	versions := map[string]string{
		"cargo":        "cargo 1.82.0 (8f40fc59f 2024-08-21)",
		"wasm-bindgen": "wasm-bindgen 0.2.106",
		"wasm-opt":     "wasm-opt version 119",
	}
	targets := "x86_64-unknown-linux-gnu\nwasm32-unknown-unknown\n"

	t.Run("01 complete toolchain", func(t *testing.T) {
		pipeline, _ := newTestPipeline(t, &fakeRunner{handle: toolchain(versions, targets)})
		report, err := pipeline.VerifyToolchain(ctx)
		require.NoError(t, err)
		require.Len(t, report.Tools, 4)
		assert.Empty(t, report.Missing())
		assert.Equal(t, "1.82.0", report.Tools[0].Version)
		assert.Equal(t, "0.2.106", report.Tools[2].Version)
		assert.Empty(t, report.Tools[2].Message)
	})

	t.Run("02 missing wasm target", func(t *testing.T) {
		pipeline, _ := newTestPipeline(t, &fakeRunner{handle: toolchain(versions, "x86_64-unknown-linux-gnu\n")})
		report, err := pipeline.VerifyToolchain(ctx)
		assert.ErrorIs(t, err, model.ErrToolchainUnavailable)
		assert.Equal(t, []string{"wasm32-unknown-unknown"}, report.Missing())
	})

	t.Run("03 missing bindgen", func(t *testing.T) {
		runner := &fakeRunner{handle: toolchain(versions, targets), missing: map[string]bool{"wasm-bindgen": true}}
		pipeline, _ := newTestPipeline(t, runner)
		report, err := pipeline.VerifyToolchain(ctx)
		assert.ErrorIs(t, err, model.ErrToolchainUnavailable)
		assert.Equal(t, []string{"wasm-bindgen"}, report.Missing())
		assert.Contains(t, report.Tools[2].Message, "cargo install wasm-bindgen-cli --version 0.2.106")
	})

	t.Run("04 bindgen version outside constraint", func(t *testing.T) {
		pipeline, _ := newTestPipeline(t, &fakeRunner{handle: toolchain(map[string]string{
			"cargo":        versions["cargo"],
			"wasm-bindgen": "wasm-bindgen 0.3.1",
		}, targets)})
		pipeline.Config.Optimizer = ""
		report, err := pipeline.VerifyToolchain(ctx)
		assert.ErrorIs(t, err, model.ErrToolchainUnavailable)
		require.Len(t, report.Tools, 3)
		assert.Contains(t, report.Tools[2].Message, "does not satisfy 0.2.x")
	})

	t.Run("05 other bindgen patch version warns only", func(t *testing.T) {
		pipeline, _ := newTestPipeline(t, &fakeRunner{handle: toolchain(map[string]string{
			"cargo":        versions["cargo"],
			"wasm-bindgen": "wasm-bindgen 0.2.100",
		}, targets), missing: map[string]bool{"wasm-opt": true}})
		report, err := pipeline.VerifyToolchain(ctx)
		require.NoError(t, err)
		assert.Contains(t, report.Tools[2].Message, "differs from 0.2.106")
		// optimizer is optional
		assert.False(t, report.Tools[3].OK)
	})

	t.Run("06 no compiler", func(t *testing.T) {
		runner := &fakeRunner{handle: toolchain(versions, targets), missing: map[string]bool{"cargo": true, "rustup": true}}
		pipeline, _ := newTestPipeline(t, runner)
		report, err := pipeline.VerifyToolchain(ctx)
		assert.ErrorIs(t, err, model.ErrToolchainUnavailable)
		assert.Equal(t, []string{"cargo"}, report.Missing())
		assert.Contains(t, report.Tools[1].Message, "not verified")
	})
}
