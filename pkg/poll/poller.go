// Package poll probes an HTTP endpoint until it reports ready or a bounded
// attempt budget runs out. Individual request failures are never surfaced as
// errors; they count as attempts that were not ready.
package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/taskcore/pkg/telemetry"
)

// HTTPClient is the subset of *http.Client a Poller needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxBodyBytes caps how much of a response body a predicate can see.
const maxBodyBytes = 1 << 20

// errNotReady marks an attempt that got a response the predicate rejected.
var errNotReady = errors.New("not ready")

// Outcome describes a finished poll.
type Outcome struct {
	Ready      bool
	Attempts   int
	LastStatus int
	LastErr    error
	Elapsed    time.Duration
}

// Poller issues readiness probes through an injected HTTP client.
type Poller struct {
	client HTTPClient
}

// NewPoller creates a poller. A nil client gets an *http.Client with a
// 30 second per-request timeout.
func NewPoller(client HTTPClient) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Poller{client: client}
}

// PollUntilReady reports whether url became ready within policy.
func (p *Poller) PollUntilReady(ctx context.Context, url string, policy RetryPolicy) bool {
	return p.Poll(ctx, url, policy).Ready
}

// Poll issues at most policy.MaxAttempts GET requests to url and stops at
// the first response the predicate accepts.
func (p *Poller) Poll(ctx context.Context, url string, policy RetryPolicy) Outcome {
	policy = policy.Normalize()
	start := time.Now()

	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	ctx, span := telemetry.StartSpan(ctx, func(t *telemetry.Tracer) (context.Context, trace.Span) {
		return t.StartPollSpan(ctx, url, policy.MaxAttempts)
	})
	defer span.End()

	logger := telemetry.FromContext(ctx).WithField("url", url)
	metrics := telemetry.MetricsFrom(ctx)
	events := telemetry.EventsFrom(ctx)
	runID := telemetry.RunID(ctx)

	var out Outcome
	operation := func() error {
		out.Attempts++
		status, err := p.attempt(ctx, url, policy.Predicate)
		out.LastStatus = status
		out.LastErr = err

		switch {
		case err == nil:
			metrics.RecordPollAttempt("ready")
			_ = events.PublishPollAttempt(runID, url, out.Attempts, status, true, "")
			logger.Debugf("attempt %d/%d ready with status %d", out.Attempts, policy.MaxAttempts, status)
			return nil
		case errors.Is(err, errNotReady):
			metrics.RecordPollAttempt("not_ready")
		default:
			metrics.RecordPollAttempt("unreachable")
		}
		_ = events.PublishPollAttempt(runID, url, out.Attempts, status, false, err.Error())
		logger.Debugf("attempt %d/%d not ready: %v", out.Attempts, policy.MaxAttempts, err)
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(policy.backOff(), uint64(policy.MaxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(operation, b)

	out.Ready = err == nil
	out.Elapsed = time.Since(start)
	if out.Ready {
		out.LastErr = nil
	} else if ctxErr := ctx.Err(); ctxErr != nil && out.LastErr == nil {
		out.LastErr = ctxErr
	}

	span.SetAttributes(
		telemetry.AttrPollAttemptsMade.Int(out.Attempts),
		telemetry.AttrPollReady.Bool(out.Ready),
	)
	if out.Ready {
		telemetry.RecordSuccess(span)
		logger.Infof("ready after %d attempt(s)", out.Attempts)
	} else {
		telemetry.RecordError(span, fmt.Errorf("not ready after %d attempt(s): %w", out.Attempts, out.LastErr))
		logger.Warnf("not ready after %d attempt(s), last status %d", out.Attempts, out.LastStatus)
	}

	metrics.RecordPollResult(out.Ready, out.Elapsed)
	_ = events.PublishPollCompleted(runID, url, out.Ready, out.Attempts, out.Elapsed)

	return out
}

// attempt performs one GET. It returns nil when the predicate accepts the
// response, an error wrapping errNotReady when it rejects it, and the
// transport error otherwise.
func (p *Poller) attempt(ctx context.Context, url string, ready Predicate) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read body: %w", err)
	}

	if ready(Response{Status: resp.StatusCode, Header: resp.Header, Body: body}) {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("status %d: %w", resp.StatusCode, errNotReady)
}
