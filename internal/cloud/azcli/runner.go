package azcli

//go:generate mockgen -destination=./mocks/mock_runner.go -package=mocks github.com/vpatelsj/exitnode/internal/cloud/azcli Runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/vpatelsj/exitnode/internal/cloud"
)

// Runner executes az with the given arguments.
type Runner interface {
	// Run captures stdout. A non-zero exit is returned as *CommandError.
	Run(ctx context.Context, args ...string) ([]byte, error)
	// RunInteractive attaches the operator's terminal, for flows such as
	// device-code login that print instructions and block.
	RunInteractive(ctx context.Context, args ...string) error
}

// CommandError is a failed az invocation. It records the verb path
// ("vm create") rather than the argument list, which can carry payloads.
type CommandError struct {
	Verb     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("az %s exited %d", e.Verb, e.ExitCode)
	if s := lastLine(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecRunner runs the real az binary.
type ExecRunner struct {
	Binary string
	Log    logr.Logger
}

// NewExecRunner returns a runner for the az on PATH.
func NewExecRunner(log logr.Logger) *ExecRunner {
	return &ExecRunner{Binary: "az", Log: log}
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.Log.V(1).Info("az", "verb", verb(args), "duration", time.Since(start).Round(time.Millisecond))
	if err != nil {
		return nil, r.wrap(ctx, args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (r *ExecRunner) RunInteractive(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return r.wrap(ctx, args, err, "")
	}
	return nil
}

func (r *ExecRunner) wrap(ctx context.Context, args []string, err error, stderr string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) {
		return cloud.ErrCLINotFound
	}
	ce := &CommandError{Verb: verb(args), ExitCode: -1, Stderr: stderr, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	}
	return ce
}

// verb returns the leading subcommand words of args, stopping at the first
// flag.
func verb(args []string) string {
	var words []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			break
		}
		words = append(words, a)
	}
	return strings.Join(words, " ")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
