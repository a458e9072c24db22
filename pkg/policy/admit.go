package policy

import (
	"context"
	"sort"

	"github.com/openfroyo/taskcore/pkg/connection"
	"github.com/openfroyo/taskcore/pkg/execution"
	"github.com/openfroyo/taskcore/pkg/taskerr"
	"github.com/openfroyo/taskcore/pkg/telemetry"
)

// Admitter gates command execution on the engine's policies. It implements
// execution.Admitter.
type Admitter struct {
	engine *Engine
}

var _ execution.Admitter = (*Admitter)(nil)

// NewAdmitter returns an admitter backed by engine.
func NewAdmitter(engine *Engine) *Admitter {
	return &Admitter{engine: engine}
}

// InputFor builds the policy input for cmd. Arguments are redacted and only
// the names of environment variables are exposed.
func InputFor(cmd execution.Command) Input {
	env := cmd.Env()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return Input{
		Tool:           cmd.Tool(),
		Args:           cmd.RedactedArgs(),
		Dir:            cmd.Dir(),
		EnvKeys:        keys,
		ConnectionKind: connectionKind(env),
	}
}

// connectionKind infers the connection a command was built from by the
// variables its overlay carries.
func connectionKind(env map[string]string) string {
	switch {
	case env[connection.EnvHelmNamespace] != "":
		return string(connection.KindHelm)
	case env[connection.EnvKubeconfig] != "":
		return string(connection.KindKubernetes)
	case env[connection.EnvDockerConfig] != "":
		return string(connection.KindDockerRegistry)
	}
	return ""
}

// Check evaluates cmd without enforcing the decision.
func (a *Admitter) Check(ctx context.Context, cmd execution.Command) (*Decision, error) {
	return a.engine.Evaluate(ctx, InputFor(cmd))
}

// Admit denies cmd with a PolicyDenied error when a blocking policy
// matches. Warnings are logged and published.
func (a *Admitter) Admit(ctx context.Context, cmd execution.Command) error {
	decision, err := a.Check(ctx, cmd)
	if err != nil {
		return err
	}

	logger := telemetry.FromContext(ctx).WithTool(cmd.Tool())
	events := telemetry.EventsFrom(ctx)
	runID := telemetry.RunID(ctx)

	for _, w := range decision.Warnings {
		logger.WithField("policy", w.Policy).Warn(w.Message)
		_ = events.PublishPolicyViolation(runID, cmd.Tool(), w.Policy, string(w.Severity), w.Message)
	}
	for _, msg := range decision.Errors {
		logger.Warn(msg)
	}

	if decision.Allowed {
		return nil
	}

	metrics := telemetry.MetricsFrom(ctx)
	for _, v := range decision.Violations {
		logger.WithField("policy", v.Policy).Error(v.Message)
		metrics.RecordPolicyDenial(v.Policy)
		_ = events.PublishPolicyViolation(runID, cmd.Tool(), v.Policy, string(v.Severity), v.Message)
	}

	return taskerr.NewPolicyDeniedError(cmd.Tool(), decision.Messages())
}
