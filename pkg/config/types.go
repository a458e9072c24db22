package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/taskcore/pkg/connection"
	"github.com/openfroyo/taskcore/pkg/poll"
)

// Settings is the decoded taskcore settings file.
type Settings struct {
	// Log configures the process logger.
	Log LogSettings `json:"log"`

	// Journal is the sqlite file runs are recorded in. Empty disables the
	// journal.
	Journal string `json:"journal,omitempty"`

	// StagingDir is where connections stage credentials. Empty means the
	// system temp dir.
	StagingDir string `json:"staging_dir,omitempty"`

	// Policy configures command admission.
	Policy PolicySettings `json:"policy"`

	// Poll holds the readiness poll defaults.
	Poll PollSettings `json:"poll"`

	// Endpoints are the service connections commands can run against.
	Endpoints []connection.Endpoint `json:"endpoints,omitempty"`

	// Variables are named variable sets used by transforms.
	Variables map[string]map[string]interface{} `json:"variables,omitempty"`

	// Source is the file the settings were loaded from.
	Source string `json:"-"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

// PolicySettings configures the admission policy engine.
type PolicySettings struct {
	// Paths are .rego/.json files or directories loaded on top of the
	// built-in policies.
	Paths []string `json:"paths,omitempty"`

	// Disabled names policies, built-in or loaded, that are never evaluated.
	Disabled []string `json:"disabled,omitempty"`

	// Watch reloads Paths when a policy file changes.
	Watch bool `json:"watch,omitempty"`
}

// PollSettings are the readiness poll defaults. Durations use Go syntax
// ("5s", "1m30s").
type PollSettings struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	Delay       string  `json:"delay,omitempty"`
	Backoff     string  `json:"backoff,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`

	// Expect is an optional Starlark readiness expression over status, body
	// and headers.
	Expect string `json:"expect,omitempty"`
}

// RetryPolicy converts the settings into a poll policy. Unset fields keep
// poll.DefaultPolicy values.
func (p PollSettings) RetryPolicy() (poll.RetryPolicy, error) {
	policy := poll.DefaultPolicy()

	if p.MaxAttempts != 0 {
		policy.MaxAttempts = p.MaxAttempts
	}
	if p.Backoff != "" {
		policy.Backoff = poll.Backoff(p.Backoff)
	}
	if p.Multiplier != 0 {
		policy.Multiplier = p.Multiplier
	}

	durations := []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"delay", p.Delay, &policy.Delay},
		{"max_delay", p.MaxDelay, &policy.MaxDelay},
		{"timeout", p.Timeout, &policy.Timeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return poll.RetryPolicy{}, fmt.Errorf("poll.%s: %w", d.name, err)
		}
		*d.dest = v
	}

	if p.Expect != "" {
		pred, err := poll.StarlarkPredicate(p.Expect)
		if err != nil {
			return poll.RetryPolicy{}, fmt.Errorf("poll.expect: %w", err)
		}
		policy.Predicate = pred
	}

	if err := policy.Validate(); err != nil {
		return poll.RetryPolicy{}, fmt.Errorf("poll: %w", err)
	}
	return policy, nil
}

// Endpoint returns the endpoint called name.
func (s *Settings) Endpoint(name string) (connection.Endpoint, error) {
	for _, ep := range s.Endpoints {
		if ep.Name == name {
			return ep, nil
		}
	}
	return connection.Endpoint{}, fmt.Errorf("endpoint %q is not configured", name)
}

// VariableSet returns the variables of the named set as strings. Numbers
// and booleans are formatted the way they were written.
func (s *Settings) VariableSet(name string) (map[string]string, error) {
	set, ok := s.Variables[name]
	if !ok {
		return nil, fmt.Errorf("variable set %q is not configured", name)
	}

	vars := make(map[string]string, len(set))
	for k, v := range set {
		vars[k] = fmt.Sprint(v)
	}
	return vars, nil
}

// VariableSetNames lists the configured variable sets in order.
func (s *Settings) VariableSetNames() []string {
	names := make([]string, 0, len(s.Variables))
	for name := range s.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidationError is a settings problem with its location when known.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
		}
		if e.Line > 0 && e.Column > 0 {
			fmt.Fprintf(&b, ":%d", e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a settings file.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return "invalid settings: " + strings.Join(msgs, "; ")
}
