package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the command.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the command.
	SeverityError Severity = "error"

	// SeverityCritical blocks the command.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the command.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The module must
// define a "deny" set whose members are strings or objects with a
// "message" and optionally a "severity".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Input is the document policies are evaluated against. Args are already
// redacted; secret values never reach a policy.
type Input struct {
	Tool           string   `json:"tool"`
	Args           []string `json:"args"`
	Dir            string   `json:"dir"`
	EnvKeys        []string `json:"env_keys"`
	ConnectionKind string   `json:"connection_kind"`
}

func (in Input) toValue() map[string]interface{} {
	args := make([]interface{}, len(in.Args))
	for i, a := range in.Args {
		args[i] = a
	}
	keys := make([]interface{}, len(in.EnvKeys))
	for i, k := range in.EnvKeys {
		keys[i] = k
	}
	return map[string]interface{}{
		"tool":            in.Tool,
		"args":            args,
		"dir":             in.Dir,
		"env_keys":        keys,
		"connection_kind": in.ConnectionKind,
	}
}

// Violation represents a single policy violation.
type Violation struct {
	Policy   string                 `json:"policy"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Decision is the result of evaluating every enabled policy.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the messages of the blocking violations.
func (d *Decision) Messages() []string {
	out := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		out = append(out, v.Policy+": "+v.Message)
	}
	return out
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}
