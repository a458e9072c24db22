package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/taskcore/pkg/connection"
	"github.com/openfroyo/taskcore/pkg/execution"
	"github.com/openfroyo/taskcore/pkg/policy"
	"github.com/openfroyo/taskcore/pkg/taskerr"
	"github.com/openfroyo/taskcore/pkg/telemetry"
	sshtransport "github.com/openfroyo/taskcore/pkg/transports/ssh"
)

type execOptions struct {
	endpoint string
	dir      string
	task     string
	env       []string
	noPolicy  bool
	uploads   []string
	downloads []string
}

func newExecCommand(a *app) *cobra.Command {
	var opts execOptions

	cmd := &cobra.Command{
		Use:   "exec [flags] -- TOOL [ARGS...]",
		Short: "Run a tool, optionally against a configured endpoint",
		Long: `Run a tool the way a pipeline task does.

The tool is resolved on PATH before anything is spawned. Arguments are
passed as separate tokens, never through a shell. Output is streamed with
credentials masked. With --endpoint the endpoint's credentials are staged
for the duration of the command (DOCKER_CONFIG, KUBECONFIG) and removed
afterwards, whatever the outcome.

Admission policies are evaluated before the tool starts. taskcore exits
with the tool's exit code.`,
		Example: `  # Push an image with registry credentials from the settings file
  taskcore exec --endpoint registry -- docker push registry.example.com/web:1.4.2

  # Roll out a chart
  taskcore exec --endpoint prod-cluster -- helm upgrade --install web ./chart

  # Ship a release to a host, run the installer, fetch its log
  taskcore exec --endpoint web01 --upload ./dist:/srv/web/releases/42 \
    --download /var/log/web-install.log:./install.log -- /srv/web/install.sh 42

  # Plain command in another directory
  taskcore exec --dir ./src -- make build`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := a.context(cmd.Context())

			task := opts.task
			if task == "" {
				task = "exec " + args[0]
			}
			ctx = telemetry.WithRunContext(ctx, uuid.NewString(), task)

			res, err := a.runExec(ctx, cmd, opts, args[0], args[1:])
			telemetry.EndRunContext(ctx, err)

			if a.jsonOutput && res != nil {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.endpoint, "endpoint", "e", "", "configured endpoint to run against")
	cmd.Flags().StringVarP(&opts.dir, "dir", "C", "", "working directory")
	cmd.Flags().StringVar(&opts.task, "task", "", "task name recorded in the journal")
	cmd.Flags().StringArrayVar(&opts.env, "env", nil, "extra environment variable KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&opts.noPolicy, "no-policy", false, "skip admission policies")
	cmd.Flags().StringArrayVar(&opts.uploads, "upload", nil, "copy LOCAL:REMOTE to an ssh endpoint before running (repeatable)")
	cmd.Flags().StringArrayVar(&opts.downloads, "download", nil, "copy REMOTE:LOCAL from an ssh endpoint after running (repeatable)")

	return cmd
}

func (a *app) runExec(ctx context.Context, cmd *cobra.Command, opts execOptions, tool string, args []string) (*execution.Result, error) {
	env, err := parseAssignments(opts.env)
	if err != nil {
		return nil, err
	}

	var admitter execution.Admitter
	if !opts.noPolicy {
		engine, err := a.policyEngine(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		admitter = policy.NewAdmitter(engine)
	}

	var execOpts []execution.Option
	if admitter != nil {
		execOpts = append(execOpts, execution.WithAdmitter(admitter))
	}
	local := execution.NewLocalExecutor(execOpts...)

	decorate := func(c execution.Command) execution.Command {
		c = c.WithEnvMap(env)
		if opts.dir != "" {
			c = c.WithDir(opts.dir)
		}
		if !a.jsonOutput {
			c = c.WithObserver(streamTo(cmd.OutOrStdout(), cmd.ErrOrStderr()))
		}
		return c
	}

	uploads, err := parseTransfers(opts.uploads, true)
	if err != nil {
		return nil, err
	}
	downloads, err := parseTransfers(opts.downloads, false)
	if err != nil {
		return nil, err
	}
	transfers := len(uploads) + len(downloads)

	if opts.endpoint == "" {
		if transfers > 0 {
			return nil, fmt.Errorf("--upload and --download need an ssh --endpoint")
		}
		return local.Execute(ctx, decorate(execution.NewCommand(tool, args...)))
	}

	ep, err := a.settings.Endpoint(opts.endpoint)
	if err != nil {
		return nil, err
	}
	if transfers > 0 && ep.Kind != connection.KindSSH {
		return nil, fmt.Errorf("--upload and --download need an ssh endpoint, %s is %s", ep.Name, ep.Kind)
	}

	var res *execution.Result
	err = a.manager().With(ctx, ep, func(ctx context.Context, conn *connection.Connection) error {
		for _, t := range uploads {
			r, err := conn.Upload(ctx, t.local, t.remote)
			if err != nil {
				return fmt.Errorf("upload %s: %w", t.local, err)
			}
			log.Info().Str("local", t.local).Str("remote", t.remote).Int("files", r.Files).Msg("Uploaded")
		}

		var remoteOpts []sshtransport.RemoteOption
		if admitter != nil {
			remoteOpts = append(remoteOpts, sshtransport.WithRemoteAdmitter(admitter))
		}
		executor := conn.Executor(local, remoteOpts...)

		c := decorate(conn.CommandFor(tool, args...))
		log.Debug().
			Str("endpoint", ep.Name).
			Str("connection", conn.ID()).
			Str("command", c.String()).
			Msg("Running command against endpoint")

		var err error
		res, err = executor.Execute(ctx, c)
		if res == nil {
			return err
		}

		// The command ran; fetch its artifacts even when it failed.
		for _, t := range downloads {
			if _, derr := conn.Download(ctx, t.remote, t.local); derr != nil {
				derr = fmt.Errorf("download %s: %w", t.remote, derr)
				if err == nil {
					return derr
				}
				log.Warn().Err(derr).Msg("Download after failed command")
				continue
			}
			log.Info().Str("remote", t.remote).Str("local", t.local).Msg("Downloaded")
		}
		return err
	})

	if err != nil && !taskerr.IsExecution(err) {
		return nil, err
	}
	return res, err
}

// streamTo writes observed lines to the matching writer.
func streamTo(stdout, stderr io.Writer) execution.LineObserver {
	var mu sync.Mutex
	return func(stream execution.Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		if stream == execution.StreamStderr {
			fmt.Fprintln(stderr, line)
			return
		}
		fmt.Fprintln(stdout, line)
	}
}

type transfer struct {
	local  string
	remote string
}

// parseTransfers parses LOCAL:REMOTE (upload) or REMOTE:LOCAL pairs. The
// remote side is a POSIX path, so the split is on the colon nearest to it.
func parseTransfers(pairs []string, upload bool) ([]transfer, error) {
	out := make([]transfer, 0, len(pairs))
	for _, p := range pairs {
		var i int
		if upload {
			i = strings.LastIndexByte(p, ':')
		} else {
			i = strings.IndexByte(p, ':')
		}
		if i <= 0 || i == len(p)-1 {
			return nil, fmt.Errorf("invalid transfer %q, want SRC:DST", p)
		}
		if upload {
			out = append(out, transfer{local: p[:i], remote: p[i+1:]})
		} else {
			out = append(out, transfer{remote: p[:i], local: p[i+1:]})
		}
	}
	return out, nil
}

// parseAssignments parses KEY=VALUE pairs.
func parseAssignments(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, want KEY=VALUE", p)
		}
		vars[key] = value
	}
	return vars, nil
}
