package execution

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/openfroyo/taskcore/pkg/taskerr"
	"github.com/openfroyo/taskcore/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation reports the lifecycle of one command to the telemetry
// carried by its context. Executors call Rejected, or Started followed by
// Finished or Interrupted, then End.
type Instrumentation struct {
	tool    string
	dir     string
	args    []string
	runID   string
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	logger  zerolog.Logger
	span    trace.Span
}

// Instrument starts a command span and returns the derived context.
func Instrument(ctx context.Context, cmd Command, component string) (context.Context, *Instrumentation) {
	in := &Instrumentation{
		tool:    cmd.Tool(),
		dir:     cmd.Dir(),
		args:    cmd.RedactedArgs(),
		runID:   telemetry.RunID(ctx),
		metrics: telemetry.MetricsFrom(ctx),
		events:  telemetry.EventsFrom(ctx),
		logger: telemetry.FromContext(ctx).Zerolog().With().
			Str("component", component).
			Str("tool", cmd.Tool()).
			Logger(),
	}

	ctx, in.span = telemetry.StartSpan(ctx, func(t *telemetry.Tracer) (context.Context, trace.Span) {
		return t.StartCommandSpan(ctx, in.tool, len(in.args))
	})
	return ctx, in
}

// Logger returns the command-scoped logger.
func (in *Instrumentation) Logger() *zerolog.Logger {
	return &in.logger
}

// Rejected records a command that never started and returns err.
func (in *Instrumentation) Rejected(err error) error {
	kind := taskerr.KindOf(err)
	if kind == taskerr.KindToolNotFound {
		in.metrics.RecordToolNotFound(in.tool)
	}
	in.metrics.RecordError(string(kind))
	_ = in.events.PublishCommandFailed(in.runID, in.tool, in.args, string(kind), -1, err.Error(), 0)
	in.logger.Error().Err(err).Strs("args", in.args).Msg("command rejected")
	telemetry.RecordError(in.span, err)
	return err
}

// Started records that the process is about to be spawned.
func (in *Instrumentation) Started() {
	in.logger.Debug().Strs("args", in.args).Str("dir", in.dir).Msg("executing command")
	_ = in.events.PublishCommandStarted(in.runID, in.tool, in.args, in.dir)
}

// Interrupted records a command stopped by context cancellation.
func (in *Instrumentation) Interrupted(cause error, duration time.Duration) {
	in.metrics.RecordCommand(in.tool, "cancelled", duration)
	_ = in.events.PublishCommandFailed(in.runID, in.tool, in.args, "cancelled", -1, cause.Error(), duration)
	in.logger.Warn().Err(cause).Dur("duration", duration).Msg("command interrupted")
	telemetry.RecordError(in.span, cause)
}

// Failed records an error that is neither a rejection nor an exit status.
func (in *Instrumentation) Failed(err error) error {
	in.logger.Error().Err(err).Msg("command failed to run")
	telemetry.RecordError(in.span, err)
	return err
}

// Finished records a command that ran to completion. err is nil or the
// Execution error for a non-zero exit.
func (in *Instrumentation) Finished(res *Result, err error) {
	in.span.SetAttributes(telemetry.AttrExitCode.Int(res.ExitCode))

	if err != nil {
		te, _ := taskerr.As(err)
		snippet := ""
		if te != nil {
			snippet = te.Stderr
		}
		in.metrics.RecordCommand(in.tool, "failure", res.Duration)
		in.metrics.RecordError(string(taskerr.KindExecution))
		_ = in.events.PublishCommandFailed(in.runID, in.tool, in.args, string(taskerr.KindExecution), res.ExitCode, snippet, res.Duration)
		in.logger.Error().
			Int("exit_code", res.ExitCode).
			Dur("duration", res.Duration).
			Str("stderr", snippet).
			Msg("command failed")
		telemetry.RecordError(in.span, err)
		return
	}

	in.metrics.RecordCommand(in.tool, "success", res.Duration)
	_ = in.events.PublishCommandCompleted(in.runID, in.tool, in.args, res.Duration)
	in.logger.Debug().
		Dur("duration", res.Duration).
		Int("stdout_lines", len(res.Stdout)).
		Msg("command completed")
	telemetry.RecordSuccess(in.span)
}

// End closes the command span.
func (in *Instrumentation) End() {
	in.span.End()
}

// LineSink splits process output into redacted lines and forwards them to
// the command's observer. One sink serves both streams of a command.
type LineSink struct {
	mu       sync.Mutex
	observer LineObserver
	redactor *Redactor
}

// NewLineSink creates a sink for cmd's observer and secrets.
func NewLineSink(cmd Command) *LineSink {
	return &LineSink{observer: cmd.Observer(), redactor: cmd.Redactor()}
}

// Drain reads r to EOF and returns the redacted lines.
func (s *LineSink) Drain(r io.Reader, stream Stream) ([]string, error) {
	var (
		lines []string
		keys  keyBlock
	)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			if keys.inside(line) {
				line = Mask
			} else {
				line = s.redactor.Redact(line)
			}
			lines = append(lines, line)
			if s.observer != nil {
				s.mu.Lock()
				s.observer(stream, line)
				s.mu.Unlock()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return lines, nil
			}
			return lines, err
		}
	}
}

// StderrSnippet returns the trailing lines of stderr, at most limit bytes.
// A limit of zero or less keeps everything.
func StderrSnippet(lines []string, limit int) string {
	joined := strings.TrimSpace(strings.Join(lines, "\n"))
	if limit <= 0 || len(joined) <= limit {
		return joined
	}
	cut := len(joined) - limit
	for cut < len(joined) && !utf8.RuneStart(joined[cut]) {
		cut++
	}
	tail := joined[cut:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i < len(tail)-1 {
		tail = tail[i+1:]
	}
	return tail
}
