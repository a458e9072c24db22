package execution

import (
	"maps"
	"slices"
	"sort"
	"strings"
	"time"
)

// Stream identifies the output stream a line came from.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
)

func (s Stream) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// LineObserver receives each output line as it arrives, already redacted.
// Calls are serialized; an observer does not need to be safe for concurrent use.
type LineObserver func(stream Stream, line string)

// Command describes one external tool invocation. The zero value is not
// usable; build one with NewCommand. Commands are values: every With method
// returns a modified copy and leaves the receiver untouched.
type Command struct {
	tool     string
	args     []string
	dir      string
	env      map[string]string
	secrets  []string
	observer LineObserver
}

// NewCommand returns a command running tool with the given argument tokens.
func NewCommand(tool string, args ...string) Command {
	return Command{
		tool: tool,
		args: slices.Clone(args),
	}
}

// Tool returns the executable name.
func (c Command) Tool() string { return c.tool }

// Args returns a copy of the argument vector.
func (c Command) Args() []string { return slices.Clone(c.args) }

// Dir returns the working directory, empty for the caller's.
func (c Command) Dir() string { return c.dir }

// Env returns a copy of the environment overlay.
func (c Command) Env() map[string]string { return maps.Clone(c.env) }

// Secrets returns a copy of the values to redact.
func (c Command) Secrets() []string { return slices.Clone(c.secrets) }

// Observer returns the line observer, possibly nil.
func (c Command) Observer() LineObserver { return c.observer }

// WithArgs returns a copy with args appended.
func (c Command) WithArgs(args ...string) Command {
	c.args = append(slices.Clone(c.args), args...)
	return c
}

// WithDir returns a copy running in dir.
func (c Command) WithDir(dir string) Command {
	c.dir = dir
	return c
}

// WithEnv returns a copy with key=value added to the environment overlay.
func (c Command) WithEnv(key, value string) Command {
	env := maps.Clone(c.env)
	if env == nil {
		env = make(map[string]string, 1)
	}
	env[key] = value
	c.env = env
	return c
}

// WithEnvMap returns a copy with all of vars added to the environment overlay.
func (c Command) WithEnvMap(vars map[string]string) Command {
	if len(vars) == 0 {
		return c
	}
	env := maps.Clone(c.env)
	if env == nil {
		env = make(map[string]string, len(vars))
	}
	maps.Copy(env, vars)
	c.env = env
	return c
}

// WithSecrets returns a copy that redacts values from captured output.
func (c Command) WithSecrets(values ...string) Command {
	secrets := slices.Clone(c.secrets)
	for _, v := range values {
		if strings.TrimSpace(v) != "" && !slices.Contains(secrets, v) {
			secrets = append(secrets, v)
		}
	}
	c.secrets = secrets
	return c
}

// WithObserver returns a copy that streams lines to obs.
func (c Command) WithObserver(obs LineObserver) Command {
	c.observer = obs
	return c
}

// Environ merges the overlay onto base. Overlay keys win; base order is
// kept and new keys are appended sorted.
func (c Command) Environ(base []string) []string {
	out := make([]string, 0, len(base)+len(c.env))
	seen := make(map[string]bool, len(c.env))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if v, ok := c.env[key]; ok {
			out = append(out, key+"="+v)
			seen[key] = true
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(c.env))
	for k := range c.env {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+c.env[k])
	}
	return out
}

// Redactor returns a redactor for this command's secrets plus the default
// patterns.
func (c Command) Redactor() *Redactor {
	return NewRedactor(c.secrets)
}

// RedactedArgs returns the arguments safe for logging.
func (c Command) RedactedArgs() []string {
	return c.Redactor().RedactArgs(c.args)
}

// String renders the command for display with secrets masked.
func (c Command) String() string {
	parts := make([]string, 0, len(c.args)+1)
	parts = append(parts, quoteForDisplay(c.tool))
	for _, a := range c.RedactedArgs() {
		parts = append(parts, quoteForDisplay(a))
	}
	return strings.Join(parts, " ")
}

func quoteForDisplay(s string) string {
	if s == "" {
		return "''"
	}
	if strings.ContainsAny(s, " \t\n'\"\\$`") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return s
}

// Result is the outcome of a finished command.
type Result struct {
	Tool       string        `json:"tool"`
	ExitCode   int           `json:"exit_code"`
	Stdout     []string      `json:"stdout"`
	Stderr     []string      `json:"stderr"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Success reports whether the command exited zero.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Output returns stdout joined with newlines.
func (r *Result) Output() string {
	return strings.Join(r.Stdout, "\n")
}

// ErrorOutput returns stderr joined with newlines.
func (r *Result) ErrorOutput() string {
	return strings.Join(r.Stderr, "\n")
}
