package utils

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/acarl005/stripansi"
	"github.com/samber/lo"
)

// return true if input string is one of 1, t, true, on, yes
func ToBool(input string) bool {
	input = strings.TrimSpace(input)
	input = strings.ToLower(input)

	return lo.Contains([]string{"1", "t", "true", "on", "yes"}, input)
}

// remove ansi color codes from string (from console output)
func NoColorCodes(input string) string {
	return stripansi.Strip(input)
}

// return the last non empty lines of console output without color codes
func TailLines(input string, count int) string {
	lines := lo.Filter(strings.Split(NoColorCodes(input), "\n"), func(line string, _ int) bool {
		return strings.TrimSpace(line) != ""
	})
	if len(lines) > count {
		lines = lines[len(lines)-count:]
	}
	return strings.Join(lines, "\n")
}

// return true if given program is installed (found in $PATH)
func IsInstalled(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}

func OsWhich(cmd string) (string, error) {
	path, err := exec.LookPath(cmd)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH", cmd)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("error getting absolute path: %s", cmd)

	}
	return absPath, nil

}

// return first semver looking token of a "--version" output, e.g. "wasm-bindgen 0.2.106"
func VersionOf(output string) (*semver.Version, error) {
	for _, field := range strings.Fields(NoColorCodes(output)) {
		if v, err := semver.NewVersion(strings.TrimPrefix(field, "v")); err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("no version in %q", strings.TrimSpace(output))
}

// return true if version satisfies constraint, false if either does not parse
func SemverCheck(version, constraint string) bool {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

func ElapsedFunc() func() time.Duration {
	startTime := time.Now()
	return func() time.Duration {
		return time.Since(startTime)
	}
}

// return humanized time delta rounded to 10ms
func HumanDeltaMilisec(delta time.Duration) string {
	return delta.Round(10 * time.Millisecond).String()
}
