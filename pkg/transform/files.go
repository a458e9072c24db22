package transform

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/pmezard/go-difflib/difflib"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/taskcore/pkg/taskerr"
	"github.com/openfroyo/taskcore/pkg/telemetry"
)

// Operation names reported to telemetry.
const (
	OpSubstitute = "substitute"
	OpXDT        = "xdt"
)

// Result describes one transformed file.
type Result struct {
	Path          string
	Format        Format
	Operation     string
	Substitutions int
	Changed       bool
	Before        []byte
	After         []byte
}

// FileOption configures SubstituteFile and TransformFile.
type FileOption func(*fileOptions)

type fileOptions struct {
	dest   string
	dryRun bool
}

// WithDestination writes the result to path instead of over the source.
func WithDestination(path string) FileOption {
	return func(o *fileOptions) { o.dest = path }
}

// WithDryRun computes the result without writing anything.
func WithDryRun() FileOption {
	return func(o *fileOptions) { o.dryRun = true }
}

// SubstituteFile applies vars to the JSON or XML file at path.
func SubstituteFile(ctx context.Context, path string, vars map[string]string, opts ...FileOption) (*Result, error) {
	return processFile(ctx, path, OpSubstitute, opts, func(doc *Document) (*Document, int, error) {
		return Substitute(doc, vars)
	})
}

// TransformFile applies the XDT document at transformPath to the XML file
// at path.
func TransformFile(ctx context.Context, path, transformPath string, opts ...FileOption) (*Result, error) {
	raw, err := os.ReadFile(transformPath)
	if err != nil {
		return nil, fmt.Errorf("read transform: %w", err)
	}
	xdt, err := Parse(raw, FormatXML)
	if err != nil {
		return nil, withPath(err, transformPath)
	}
	count, err := OpCount(xdt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", transformPath, err)
	}

	return processFile(ctx, path, OpXDT, opts, func(doc *Document) (*Document, int, error) {
		out, err := ApplyXDT(doc, xdt)
		return out, count, err
	})
}

func processFile(ctx context.Context, path, op string, opts []FileOption, fn func(*Document) (*Document, int, error)) (res *Result, err error) {
	var o fileOptions
	for _, opt := range opts {
		opt(&o)
	}
	dest := o.dest
	if dest == "" {
		dest = path
	}

	logger := telemetry.FromContext(ctx).WithField("path", path)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	format, err := DetectFormat(path, content)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, func(t *telemetry.Tracer) (context.Context, trace.Span) {
		return t.StartTransformSpan(ctx, path, string(format))
	})
	defer span.End()
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
			telemetry.MetricsFrom(ctx).RecordError(string(taskerr.KindOf(err)))
		}
	}()

	doc, err := Parse(content, format)
	if err != nil {
		return nil, withPath(err, path)
	}

	out, n, err := fn(doc)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, path, err)
	}

	after := Serialize(out)
	res = &Result{
		Path:          dest,
		Format:        format,
		Operation:     op,
		Substitutions: n,
		Changed:       !bytes.Equal(content, after),
		Before:        content,
		After:         after,
	}
	span.SetAttributes(telemetry.AttrSubstitutions.Int(n))

	if o.dryRun {
		logger.Debugf("dry run: %d %s change(s)", n, op)
		telemetry.RecordSuccess(span)
		return res, nil
	}

	if res.Changed || dest != path {
		if err := writeFile(dest, after, path); err != nil {
			return nil, err
		}
		logger.WithField("dest", dest).Infof("%s applied: %d change(s)", op, n)
	} else {
		logger.Debug("no changes, file left untouched")
	}

	telemetry.RecordSuccess(span)
	telemetry.MetricsFrom(ctx).RecordTransform(string(format), op, n)
	_ = telemetry.EventsFrom(ctx).PublishTransformApplied(telemetry.RunID(ctx), dest, string(format), op, n)
	return res, nil
}

func withPath(err error, path string) error {
	if te, ok := taskerr.As(err); ok && te.Path == "" {
		te.Path = path
	}
	return err
}

// writeFile replaces dest atomically. The mode of an existing dest is
// kept; a new dest takes the mode of modeFrom.
func writeFile(dest string, data []byte, modeFrom string) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(dest); err == nil {
		mode = info.Mode().Perm()
	} else if info, err := os.Stat(modeFrom); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("replace %s: %w", dest, err)
	}
	return nil
}

// FindFiles returns the regular files under root whose slash-separated
// relative path matches any pattern. "*" stays within one path segment and
// "**" spans segments; a leading "**/" also matches files directly in root.
func FindFiles(root string, patterns ...string) ([]string, error) {
	var globs []glob.Glob
	for _, p := range patterns {
		p = filepath.ToSlash(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		globs = append(globs, g)
		if rest, ok := strings.CutPrefix(p, "**/"); ok {
			g, err := glob.Compile(rest, '/')
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
			}
			globs = append(globs, g)
		}
	}

	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, g := range globs {
			if g.Match(rel) {
				matches = append(matches, path)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", root, err)
	}

	sort.Strings(matches)
	return matches, nil
}

// UnifiedDiff renders the change from before to after as a unified diff.
func UnifiedDiff(name string, before, after []byte) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: name,
		ToFile:   name + " (transformed)",
		Context:  3,
	})
}
