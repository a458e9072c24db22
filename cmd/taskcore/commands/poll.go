package commands

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/taskcore/pkg/poll"
	"github.com/openfroyo/taskcore/pkg/telemetry"
)

func newPollCommand(a *app) *cobra.Command {
	var (
		attempts       int
		delay          time.Duration
		timeout        time.Duration
		requestTimeout time.Duration
		backoffMode    string
		expect         string
		below500       bool
		insecure       bool
	)

	cmd := &cobra.Command{
		Use:   "poll URL",
		Short: "Wait until a URL answers as ready",
		Long: `Poll a URL until it is ready or the attempts run out.

A response is ready when its status is 2xx, unless --below-500 or --expect
says otherwise. Connection errors count as failed attempts. Defaults come
from the poll section of the settings file (5 attempts, 5s apart).`,
		Example: `  # Wait for a deployment
  taskcore poll https://web.example.com/healthz

  # Ten attempts, exponential backoff, body check
  taskcore poll --attempts 10 --delay 1s --backoff exponential \
    --expect 'status == 200 and "healthy" in body' https://web.example.com/status`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]

			policy, err := a.settings.Poll.RetryPolicy()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("attempts") {
				policy.MaxAttempts = attempts
			}
			if flags.Changed("delay") {
				policy.Delay = delay
			}
			if flags.Changed("timeout") {
				policy.Timeout = timeout
			}
			if flags.Changed("backoff") {
				policy.Backoff = poll.Backoff(backoffMode)
			}
			if below500 {
				policy.Predicate = poll.StatusBelow500
			}
			if expect != "" {
				pred, err := poll.StarlarkPredicate(expect)
				if err != nil {
					return err
				}
				policy.Predicate = pred
			}
			if err := policy.Validate(); err != nil {
				return err
			}

			client := &http.Client{Timeout: requestTimeout}
			if insecure {
				client.Transport = &http.Transport{
					TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in flag
				}
			}

			ctx := a.context(cmd.Context())
			ctx = telemetry.WithRunContext(ctx, uuid.NewString(), "poll "+url)

			outcome := poll.NewPoller(client).Poll(ctx, url, policy)

			var runErr error
			if !outcome.Ready {
				runErr = fmt.Errorf("%s not ready after %d attempt(s)", url, outcome.Attempts)
			}
			telemetry.EndRunContext(ctx, runErr)

			if a.jsonOutput {
				out := struct {
					URL        string `json:"url"`
					Ready      bool   `json:"ready"`
					Attempts   int    `json:"attempts"`
					LastStatus int    `json:"last_status,omitempty"`
					LastError  string `json:"last_error,omitempty"`
					ElapsedMS  int64  `json:"elapsed_ms"`
				}{
					URL:        url,
					Ready:      outcome.Ready,
					Attempts:   outcome.Attempts,
					LastStatus: outcome.LastStatus,
					ElapsedMS:  outcome.Elapsed.Milliseconds(),
				}
				if outcome.LastErr != nil {
					out.LastError = outcome.LastErr.Error()
				}
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			} else if outcome.Ready {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is ready (status %d, %d attempt(s), %s)\n",
					url, outcome.LastStatus, outcome.Attempts, outcome.Elapsed.Round(time.Millisecond))
			}

			return runErr
		},
	}

	cmd.Flags().IntVarP(&attempts, "attempts", "n", 5, "maximum number of requests")
	cmd.Flags().DurationVarP(&delay, "delay", "d", 5*time.Second, "wait between attempts")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall time limit (0 for none)")
	cmd.Flags().DurationVar(&requestTimeout, "request-timeout", 30*time.Second, "time limit of a single request")
	cmd.Flags().StringVar(&backoffMode, "backoff", "constant", "delay growth (constant, exponential)")
	cmd.Flags().StringVar(&expect, "expect", "", "Starlark readiness expression over status, body and headers")
	cmd.Flags().BoolVar(&below500, "below-500", false, "treat any status below 500 as ready")
	cmd.Flags().BoolVarP(&insecure, "insecure", "k", false, "skip TLS certificate verification")

	return cmd
}
