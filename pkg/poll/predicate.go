package poll

import (
	"fmt"
	"net/http"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Response is what a predicate sees of one poll attempt.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Predicate reports whether a response means the target is ready.
type Predicate func(Response) bool

// Status2xx is ready on 200 <= status < 300. It is the default predicate.
func Status2xx(r Response) bool {
	return r.Status >= 200 && r.Status < 300
}

// StatusBelow500 is ready on any response that is not a server error.
func StatusBelow500(r Response) bool {
	return r.Status > 0 && r.Status < 500
}

// StatusIn is ready when the status is one of codes.
func StatusIn(codes ...int) Predicate {
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return func(r Response) bool {
		return set[r.Status]
	}
}

// maxPredicateSteps bounds a single predicate evaluation.
const maxPredicateSteps = 1_000_000

// StarlarkPredicate compiles a Starlark boolean expression evaluated against
// each response. The expression sees `status` (int), `body` (string) and
// `headers` (dict of lower-cased name to first value), e.g.
//
//	status == 200 and '"healthy"' in body
//
// Evaluation errors count as not ready.
func StarlarkPredicate(expr string) (Predicate, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty predicate expression")
	}
	if _, err := syntax.ParseExpr("predicate", expr, 0); err != nil {
		return nil, fmt.Errorf("invalid predicate expression: %w", err)
	}

	return func(r Response) bool {
		thread := &starlark.Thread{
			Name:  "poll-predicate",
			Print: func(_ *starlark.Thread, _ string) {},
		}
		thread.SetMaxExecutionSteps(maxPredicateSteps)

		headers := starlark.NewDict(len(r.Header))
		for name, values := range r.Header {
			if len(values) == 0 {
				continue
			}
			_ = headers.SetKey(starlark.String(strings.ToLower(name)), starlark.String(values[0]))
		}
		headers.Freeze()

		env := starlark.StringDict{
			"status":  starlark.MakeInt(r.Status),
			"body":    starlark.String(r.Body),
			"headers": headers,
		}

		v, err := starlark.Eval(thread, "predicate", expr, env)
		if err != nil {
			return false
		}
		return bool(v.Truth())
	}, nil
}
