package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/metraction/vidi/internal/utils"
)

// Command is one external tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the process environment
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

type Output struct {
	Stdout string
	Stderr string
}

// Runner executes external tools. The pipeline only talks to the toolchain through it.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

func (ExecRunner) Run(ctx context.Context, command Command) (Output, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, command.Name, command.Args...)
	cmd.Dir = command.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: utils.NoColorCodes(stderr.String())}
	if ctx.Err() != nil {
		return out, ctx.Err()
	} else if err != nil {
		return out, fmt.Errorf("%s: %w", command.Name, err)
	}
	return out, nil
}

func (ExecRunner) LookPath(name string) (string, error) {
	return utils.OsWhich(name)
}
