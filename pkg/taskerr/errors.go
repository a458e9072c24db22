// Package taskerr defines the closed set of error kinds surfaced by taskcore.
//
// Every failure that crosses a package boundary is a *TaskError tagged with a
// Kind. Callers match on the kind with errors.Is or the IsX helpers instead of
// inspecting messages.
package taskerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags a TaskError.
type Kind string

const (
	// KindToolNotFound means the executable could not be resolved on the
	// search path. Raised before any process is spawned.
	KindToolNotFound Kind = "tool_not_found"

	// KindExecution means the tool ran and exited with a non-zero code.
	KindExecution Kind = "execution"

	// KindInvalidEndpoint means an endpoint descriptor is missing a URL or
	// the credentials its kind requires. Raised before any mutation.
	KindInvalidEndpoint Kind = "invalid_endpoint"

	// KindMalformedDocument means a config document could not be parsed.
	KindMalformedDocument Kind = "malformed_document"

	// KindPolicyDenied means command admission rejected the command.
	KindPolicyDenied Kind = "policy_denied"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	KindToolNotFound,
	KindExecution,
	KindInvalidEndpoint,
	KindMalformedDocument,
	KindPolicyDenied,
}

// TaskError is a kind-tagged error with structured context.
type TaskError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// Tool is the executable involved (ToolNotFound, Execution, PolicyDenied).
	Tool string `json:"tool,omitempty"`

	// ExitCode is the tool's exit status (Execution).
	ExitCode int `json:"exit_code,omitempty"`

	// Stderr is the trailing portion of the tool's stderr (Execution).
	Stderr string `json:"stderr,omitempty"`

	// Endpoint and Field locate an endpoint validation failure.
	Endpoint string `json:"endpoint,omitempty"`
	Field    string `json:"field,omitempty"`

	// Path, Format, Line and Column locate a document parse failure.
	Path   string `json:"path,omitempty"`
	Format string `json:"format,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`

	// Violations holds the messages of denying policies (PolicyDenied).
	Violations []string `json:"violations,omitempty"`

	Operation string         `json:"operation,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)

	var ctx []string
	if e.Operation != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}
	switch e.Kind {
	case KindExecution:
		ctx = append(ctx, fmt.Sprintf("tool=%s", e.Tool), fmt.Sprintf("exit_code=%d", e.ExitCode))
	case KindToolNotFound, KindPolicyDenied:
		ctx = append(ctx, "tool="+e.Tool)
	case KindInvalidEndpoint:
		if e.Endpoint != "" {
			ctx = append(ctx, "endpoint="+e.Endpoint)
		}
		if e.Field != "" {
			ctx = append(ctx, "field="+e.Field)
		}
	case KindMalformedDocument:
		if e.Path != "" {
			ctx = append(ctx, "path="+e.Path)
		}
		if e.Line > 0 {
			ctx = append(ctx, fmt.Sprintf("line=%d", e.Line))
		}
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a TaskError of the same kind.
func (e *TaskError) Is(target error) bool {
	t, ok := target.(*TaskError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithOperation records the operation that failed.
func (e *TaskError) WithOperation(op string) *TaskError {
	e.Operation = op
	return e
}

// WithDetail attaches a detail value.
func (e *TaskError) WithDetail(key string, value any) *TaskError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Sentinels usable as errors.Is targets.
var (
	ErrToolNotFound      = &TaskError{Kind: KindToolNotFound}
	ErrExecution         = &TaskError{Kind: KindExecution}
	ErrInvalidEndpoint   = &TaskError{Kind: KindInvalidEndpoint}
	ErrMalformedDocument = &TaskError{Kind: KindMalformedDocument}
	ErrPolicyDenied      = &TaskError{Kind: KindPolicyDenied}
)

// NewToolNotFoundError reports that tool is not on the search path.
func NewToolNotFoundError(tool string, err error) *TaskError {
	return &TaskError{
		Kind:    KindToolNotFound,
		Message: "tool not found on PATH",
		Tool:    tool,
		Err:     err,
	}
}

// NewExecutionError reports a non-zero exit of tool.
func NewExecutionError(tool string, exitCode int, stderrSnippet string) *TaskError {
	return &TaskError{
		Kind:     KindExecution,
		Message:  "command exited with non-zero status",
		Tool:     tool,
		ExitCode: exitCode,
		Stderr:   stderrSnippet,
	}
}

// NewInvalidEndpointError reports a missing or invalid endpoint field.
func NewInvalidEndpointError(endpoint, field, message string) *TaskError {
	return &TaskError{
		Kind:     KindInvalidEndpoint,
		Message:  message,
		Endpoint: endpoint,
		Field:    field,
	}
}

// NewMalformedDocumentError reports a document that failed to parse.
func NewMalformedDocumentError(path, format string, err error) *TaskError {
	return &TaskError{
		Kind:    KindMalformedDocument,
		Message: fmt.Sprintf("malformed %s document", format),
		Path:    path,
		Format:  format,
		Err:     err,
	}
}

// NewPolicyDeniedError reports that admission rejected tool.
func NewPolicyDeniedError(tool string, violations []string) *TaskError {
	return &TaskError{
		Kind:       KindPolicyDenied,
		Message:    "command denied by policy",
		Tool:       tool,
		Violations: violations,
	}
}

// As returns the first TaskError in err's chain.
func As(err error) (*TaskError, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf returns the kind of the first TaskError in err's chain, or "".
func KindOf(err error) Kind {
	if te, ok := As(err); ok {
		return te.Kind
	}
	return ""
}

// IsToolNotFound reports whether err is a ToolNotFound error.
func IsToolNotFound(err error) bool { return KindOf(err) == KindToolNotFound }

// IsExecution reports whether err is an Execution error.
func IsExecution(err error) bool { return KindOf(err) == KindExecution }

// IsInvalidEndpoint reports whether err is an InvalidEndpoint error.
func IsInvalidEndpoint(err error) bool { return KindOf(err) == KindInvalidEndpoint }

// IsMalformedDocument reports whether err is a MalformedDocument error.
func IsMalformedDocument(err error) bool { return KindOf(err) == KindMalformedDocument }

// IsPolicyDenied reports whether err is a PolicyDenied error.
func IsPolicyDenied(err error) bool { return KindOf(err) == KindPolicyDenied }

// ExitCode returns the tool exit code carried by an Execution error.
func ExitCode(err error) (int, bool) {
	te, ok := As(err)
	if !ok || te.Kind != KindExecution {
		return 0, false
	}
	return te.ExitCode, true
}
