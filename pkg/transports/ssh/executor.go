package ssh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/taskcore/pkg/execution"
	"github.com/openfroyo/taskcore/pkg/taskerr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// RemoteOption configures a RemoteExecutor.
type RemoteOption func(*RemoteExecutor)

// WithRemoteAdmitter sets the admission check run before a remote command starts.
func WithRemoteAdmitter(a execution.Admitter) RemoteOption {
	return func(e *RemoteExecutor) { e.admitter = a }
}

// WithTermGrace sets how long a cancelled command gets between SIGTERM and SIGKILL.
func WithTermGrace(d time.Duration) RemoteOption {
	return func(e *RemoteExecutor) { e.termGrace = d }
}

// RemoteExecutor runs execution.Commands on the far side of an SSH
// connection. Every argument is quoted as a single shell word, so the
// remote shell only sees the literal tokens.
type RemoteExecutor struct {
	client       *SSHClient
	admitter     execution.Admitter
	snippetLimit int
	termGrace    time.Duration
}

var _ execution.Executor = (*RemoteExecutor)(nil)

// NewRemoteExecutor creates an executor bound to client.
func NewRemoteExecutor(client *SSHClient, opts ...RemoteOption) *RemoteExecutor {
	e := &RemoteExecutor{
		client:       client,
		snippetLimit: execution.DefaultStderrSnippetLimit,
		termGrace:    100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs cmd remotely and waits for it to exit.
func (e *RemoteExecutor) Execute(ctx context.Context, cmd execution.Command) (*execution.Result, error) {
	ctx, in := execution.Instrument(ctx, cmd, "ssh")
	defer in.End()

	if strings.TrimSpace(cmd.Tool()) == "" {
		return nil, in.Rejected(taskerr.NewToolNotFoundError(cmd.Tool(), errors.New("empty tool name")))
	}

	client, err := e.client.getClient()
	if err != nil {
		return nil, in.Failed(err)
	}

	found, err := e.lookPath(ctx, client, cmd.Tool())
	if err != nil {
		return nil, in.Failed(err)
	}
	if !found {
		return nil, in.Rejected(taskerr.NewToolNotFoundError(cmd.Tool(),
			fmt.Errorf("not found on %s", e.client.config.Host)))
	}

	if e.admitter != nil {
		if err := e.admitter.Admit(ctx, cmd); err != nil {
			return nil, in.Rejected(err)
		}
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, in.Failed(&TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true})
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, in.Failed(fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, in.Failed(fmt.Errorf("failed to create stderr pipe: %w", err))
	}

	in.Started()
	result := &execution.Result{Tool: cmd.Tool(), StartedAt: time.Now()}
	if err := session.Start(BuildRemoteCommand(cmd)); err != nil {
		return nil, in.Failed(&TransportError{Op: "exec", Err: err, IsTemporary: true})
	}

	sink := execution.NewLineSink(cmd)
	var g errgroup.Group
	g.Go(func() error {
		lines, err := sink.Drain(stdout, execution.StreamStdout)
		result.Stdout = lines
		return err
	})
	g.Go(func() error {
		lines, err := sink.Drain(stderr, execution.StreamStderr)
		result.Stderr = lines
		return err
	})

	done := make(chan error, 1)
	go func() {
		drainErr := g.Wait()
		waitErr := session.Wait()
		if waitErr == nil {
			waitErr = drainErr
		}
		done <- waitErr
	}()

	var waitErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case waitErr = <-done:
		case <-time.After(e.termGrace):
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
			<-done
		}
		result.FinishedAt = time.Now()
		in.Interrupted(ctx.Err(), result.FinishedAt.Sub(result.StartedAt))
		return nil, fmt.Errorf("command %s interrupted: %w", cmd.Tool(), ctx.Err())
	case waitErr = <-done:
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	if waitErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, in.Failed(&TransportError{Op: "exec", Err: waitErr, IsTemporary: true})
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	if result.ExitCode != 0 {
		err := taskerr.NewExecutionError(cmd.Tool(), result.ExitCode, execution.StderrSnippet(result.Stderr, e.snippetLimit))
		in.Finished(result, err)
		return result, err
	}

	in.Finished(result, nil)
	return result, nil
}

// lookPath reports whether tool resolves on the remote search path.
func (e *RemoteExecutor) lookPath(ctx context.Context, client *ssh.Client, tool string) (bool, error) {
	session, err := client.NewSession()
	if err != nil {
		return false, &TransportError{Op: "lookpath", Err: err, IsTemporary: true}
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run("command -v " + ShellQuote(tool)) }()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-done:
		if err == nil {
			return true, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, &TransportError{Op: "lookpath", Err: err, IsTemporary: true}
	}
}

// BuildRemoteCommand renders cmd as a POSIX shell command line with every
// token quoted. The environment overlay is applied through env(1).
func BuildRemoteCommand(cmd execution.Command) string {
	var b strings.Builder
	if dir := cmd.Dir(); dir != "" {
		b.WriteString("cd ")
		b.WriteString(ShellQuote(dir))
		b.WriteString(" && ")
	}

	if env := cmd.Env(); len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("env")
		for _, k := range keys {
			b.WriteByte(' ')
			b.WriteString(ShellQuote(k + "=" + env[k]))
		}
		b.WriteByte(' ')
	}

	b.WriteString(ShellQuote(cmd.Tool()))
	for _, a := range cmd.Args() {
		b.WriteByte(' ')
		b.WriteString(ShellQuote(a))
	}
	return b.String()
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
