package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/taskcore/pkg/telemetry"
	"github.com/openfroyo/taskcore/pkg/transform"
)

type transformOptions struct {
	patterns []string
	varSets  []string
	vars     []string
	xdt      string
	outDir   string
	dryRun   bool
}

func newTransformCommand(a *app) *cobra.Command {
	var opts transformOptions

	cmd := &cobra.Command{
		Use:   "transform PATH",
		Short: "Substitute variables in JSON/XML files or apply an XDT transform",
		Long: `Rewrite configuration files in place.

Without --xdt, variables replace matching values: JSON keys and dotted paths
(Data.ConnectionString, Servers.0.Host), XML appSettings/connectionStrings
entries by key or name, and XML element paths. Only the replaced values
change; everything else in the file is kept byte for byte.

With --xdt, the XML-Document-Transform file is applied to every matching
XML file.

PATH is a file or a directory searched with --pattern.`,
		Example: `  # Substitute the "production" variable set in every JSON file
  taskcore transform --vars-set production --pattern '**/appsettings*.json' ./publish

  # Preview an XDT transform
  taskcore transform --xdt Web.Release.config --dry-run ./publish/Web.config

  # Ad-hoc variables
  taskcore transform --var Logging.LogLevel.Default=Warning ./publish/appsettings.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.xdt != "" && !cmd.Flags().Changed("pattern") {
				opts.patterns = []string{"**/*.config", "**/*.xml"}
			}

			ctx := a.context(cmd.Context())
			ctx = telemetry.WithRunContext(ctx, uuid.NewString(), "transform "+args[0])

			err := a.runTransform(ctx, cmd, opts, args[0])
			telemetry.EndRunContext(ctx, err)
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&opts.patterns, "pattern", "p", []string{"**/*.json", "**/*.config"}, "file pattern under a directory PATH (repeatable, ** spans directories)")
	cmd.Flags().StringArrayVar(&opts.varSets, "vars-set", nil, "variable set from the settings file (repeatable, later sets win)")
	cmd.Flags().StringArrayVar(&opts.vars, "var", nil, "variable NAME=VALUE (repeatable, wins over sets)")
	cmd.Flags().StringVar(&opts.xdt, "xdt", "", "XDT transform file to apply instead of substitution")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "write results under this directory instead of in place")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print a diff instead of writing")

	return cmd
}

func (a *app) runTransform(ctx context.Context, cmd *cobra.Command, opts transformOptions, path string) error {
	vars := make(map[string]string)
	for _, name := range opts.varSets {
		set, err := a.settings.VariableSet(name)
		if err != nil {
			return err
		}
		for k, v := range set {
			vars[k] = v
		}
	}
	adhoc, err := parseAssignments(opts.vars)
	if err != nil {
		return err
	}
	for k, v := range adhoc {
		vars[k] = v
	}

	if opts.xdt == "" && len(vars) == 0 {
		return fmt.Errorf("nothing to do: give --xdt, --vars-set or --var")
	}

	root, files, err := targetFiles(path, opts.patterns)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files under %s match %v", path, opts.patterns)
	}

	var results []*transform.Result
	for _, file := range files {
		if opts.xdt != "" && sameFile(file, opts.xdt) {
			continue
		}

		var fileOpts []transform.FileOption
		if opts.dryRun {
			fileOpts = append(fileOpts, transform.WithDryRun())
		}
		if opts.outDir != "" {
			rel, err := filepath.Rel(root, file)
			if err != nil {
				return err
			}
			fileOpts = append(fileOpts, transform.WithDestination(filepath.Join(opts.outDir, rel)))
		}

		var res *transform.Result
		if opts.xdt != "" {
			res, err = transform.TransformFile(ctx, file, opts.xdt, fileOpts...)
		} else {
			res, err = transform.SubstituteFile(ctx, file, vars, fileOpts...)
		}
		if err != nil {
			return err
		}
		results = append(results, res)
	}

	return a.reportTransform(cmd, results, opts.dryRun)
}

// targetFiles returns the directory results are relative to and the files
// to process.
func targetFiles(path string, patterns []string) (string, []string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", nil, err
	}
	if !info.IsDir() {
		return filepath.Dir(path), []string{path}, nil
	}
	files, err := transform.FindFiles(path, patterns...)
	return path, files, err
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

func (a *app) reportTransform(cmd *cobra.Command, results []*transform.Result, dryRun bool) error {
	out := cmd.OutOrStdout()

	if a.jsonOutput {
		type fileResult struct {
			Path          string `json:"path"`
			Format        string `json:"format"`
			Operation     string `json:"operation"`
			Substitutions int    `json:"substitutions"`
			Changed       bool   `json:"changed"`
			Diff          string `json:"diff,omitempty"`
		}
		rows := make([]fileResult, 0, len(results))
		for _, r := range results {
			row := fileResult{
				Path:          r.Path,
				Format:        string(r.Format),
				Operation:     r.Operation,
				Substitutions: r.Substitutions,
				Changed:       r.Changed,
			}
			if dryRun && r.Changed {
				diff, err := transform.UnifiedDiff(r.Path, r.Before, r.After)
				if err != nil {
					return err
				}
				row.Diff = diff
			}
			rows = append(rows, row)
		}
		return printJSON(out, rows)
	}

	if dryRun {
		for _, r := range results {
			if !r.Changed {
				continue
			}
			diff, err := transform.UnifiedDiff(r.Path, r.Before, r.After)
			if err != nil {
				return err
			}
			fmt.Fprint(out, diff)
		}
	}

	t := newTable(out, "FILE", "FORMAT", "OPERATION", "CHANGES", "CHANGED")
	for _, r := range results {
		t.row(r.Path, string(r.Format), r.Operation, fmt.Sprint(r.Substitutions), fmt.Sprint(r.Changed))
	}
	return t.flush()
}
