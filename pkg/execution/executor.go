// Package execution runs external tools on behalf of pipeline tasks.
//
// A Command is resolved on the search path before anything is spawned,
// runs as exactly one process with discrete argument tokens, streams each
// output line to an optional observer, and reports a non-zero exit as a
// taskerr Execution error carrying the tail of stderr. Registered secrets
// never reach the captured output, the observer or the logs.
package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/openfroyo/taskcore/pkg/taskerr"
	"golang.org/x/sync/errgroup"
)

// DefaultStderrSnippetLimit bounds the stderr tail carried by Execution errors.
const DefaultStderrSnippetLimit = 4096

// Executor runs a command to completion.
//
// On a non-zero exit Execute returns both the Result and an Execution
// error. On any other error the Result is nil.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*Result, error)
}

// Admitter decides whether a command may run. A non-nil error prevents the
// process from being spawned and is returned to the caller unchanged.
type Admitter interface {
	Admit(ctx context.Context, cmd Command) error
}

// AdmitterFunc adapts a function to the Admitter interface.
type AdmitterFunc func(ctx context.Context, cmd Command) error

// Admit calls f.
func (f AdmitterFunc) Admit(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// Option configures a LocalExecutor.
type Option func(*LocalExecutor)

// WithAdmitter sets the admission check run before spawning.
func WithAdmitter(a Admitter) Option {
	return func(e *LocalExecutor) { e.admitter = a }
}

// WithLookPath replaces the search path resolver.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(e *LocalExecutor) { e.lookPath = fn }
}

// WithStderrSnippetLimit sets how many trailing stderr bytes an Execution
// error carries.
func WithStderrSnippetLimit(n int) Option {
	return func(e *LocalExecutor) { e.snippetLimit = n }
}

// WithWaitDelay bounds how long Execute waits for output pipes to close
// after the process is killed.
func WithWaitDelay(d time.Duration) Option {
	return func(e *LocalExecutor) { e.waitDelay = d }
}

// WithBaseEnv sets the environment the command overlay is applied to.
// The default is the current process environment, read at execution time.
func WithBaseEnv(env []string) Option {
	return func(e *LocalExecutor) { e.baseEnv = env }
}

// LocalExecutor runs commands as child processes of the current process.
type LocalExecutor struct {
	admitter     Admitter
	lookPath     func(string) (string, error)
	snippetLimit int
	waitDelay    time.Duration
	baseEnv      []string
}

// NewLocalExecutor creates an executor with the given options.
func NewLocalExecutor(opts ...Option) *LocalExecutor {
	e := &LocalExecutor{
		lookPath:     exec.LookPath,
		snippetLimit: DefaultStderrSnippetLimit,
		waitDelay:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs cmd and waits for it to exit.
func (e *LocalExecutor) Execute(ctx context.Context, cmd Command) (*Result, error) {
	ctx, in := Instrument(ctx, cmd, "execution")
	defer in.End()

	path, err := e.resolve(cmd.Tool())
	if err != nil {
		return nil, in.Rejected(err)
	}

	if e.admitter != nil {
		if err := e.admitter.Admit(ctx, cmd); err != nil {
			return nil, in.Rejected(err)
		}
	}

	c := exec.CommandContext(ctx, path, cmd.Args()...)
	c.Dir = cmd.Dir()
	base := e.baseEnv
	if base == nil {
		base = os.Environ()
	}
	c.Env = cmd.Environ(base)
	setProcessGroup(c)
	c.Cancel = func() error { return killProcessGroup(c) }
	c.WaitDelay = e.waitDelay

	// exec copies into these writers, so WaitDelay also bounds output held
	// open by descendants that left the process group.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	c.Stdout = stdoutW
	c.Stderr = stderrW
	closeWriters := func() {
		_ = stdoutW.Close()
		_ = stderrW.Close()
	}

	in.Started()
	result := &Result{Tool: cmd.Tool(), StartedAt: time.Now()}
	if err := c.Start(); err != nil {
		closeWriters()
		return nil, in.Failed(fmt.Errorf("failed to start %s: %w", cmd.Tool(), err))
	}

	sink := NewLineSink(cmd)
	var g errgroup.Group
	g.Go(func() error {
		lines, err := sink.Drain(stdoutR, StreamStdout)
		result.Stdout = lines
		return err
	})
	g.Go(func() error {
		lines, err := sink.Drain(stderrR, StreamStderr)
		result.Stderr = lines
		return err
	})
	waitErr := c.Wait()
	closeWriters()
	drainErr := g.Wait()

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	if ctxErr := ctx.Err(); ctxErr != nil {
		in.Interrupted(ctxErr, result.Duration)
		return nil, fmt.Errorf("command %s interrupted: %w", cmd.Tool(), ctxErr)
	}

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		in.Logger().Warn().Dur("wait_delay", e.waitDelay).Msg("output still open after exit, stopped reading")
		waitErr = nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, in.Failed(fmt.Errorf("failed waiting for %s: %w", cmd.Tool(), waitErr))
		}
		result.ExitCode = exitStatus(exitErr.ProcessState)
	}

	if drainErr != nil {
		in.Logger().Warn().Err(drainErr).Msg("output stream ended early")
	}

	if result.ExitCode != 0 {
		err := taskerr.NewExecutionError(cmd.Tool(), result.ExitCode, StderrSnippet(result.Stderr, e.snippetLimit))
		in.Finished(result, err)
		return result, err
	}

	in.Finished(result, nil)
	return result, nil
}

// resolve finds the executable without spawning anything.
func (e *LocalExecutor) resolve(tool string) (string, error) {
	if strings.TrimSpace(tool) == "" {
		return "", taskerr.NewToolNotFoundError(tool, errors.New("empty tool name"))
	}
	path, err := e.lookPath(tool)
	if err != nil {
		return "", taskerr.NewToolNotFoundError(tool, err)
	}
	return path, nil
}
