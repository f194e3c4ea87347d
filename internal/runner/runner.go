// Package runner is the process boundary: every external tool invocation
// (smartctl, hdparm, sg_reassign, dmesg) goes through a Runner so the rest
// of the code can be tested without touching hardware.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result is what an external command produced.
type Result struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// Combined returns stdout followed by stderr, trimmed.
func (r Result) Combined() string {
	out := strings.TrimSpace(r.Stdout)
	errOut := strings.TrimSpace(r.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// ErrNotFound is returned (wrapped) when the executable does not exist.
var ErrNotFound = errors.New("executable not found")

// Runner executes one external command.
//
// A non-zero exit status is not an error: it is reported in Result. Run
// returns an error only when the command could not be started or waited
// for, or when ctx ended first (the error then wraps ctx.Err()).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Local runs commands on the host with os/exec.
type Local struct {
	// Env is appended to the inherited environment.
	Env []string
}

// NewLocal creates a host runner. LC_ALL=C keeps tool output in the
// untranslated form the parser understands.
func NewLocal() *Local {
	return &Local{Env: []string{"LC_ALL=C"}}
}

// Run implements Runner.
func (l *Local) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if _, err := exec.LookPath(name); err != nil {
		return Result{ExitStatus: 127}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if len(l.Env) > 0 {
		cmd.Env = append(cmd.Environ(), l.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitStatus = -1
		return res, fmt.Errorf("%s: %w", name, ctxErr)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitStatus = exitErr.ExitCode()
		return res, nil
	default:
		res.ExitStatus = -1
		return res, fmt.Errorf("run %s: %w", name, err)
	}
}
