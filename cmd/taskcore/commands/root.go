package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/taskcore/pkg/config"
	"github.com/openfroyo/taskcore/pkg/connection"
	"github.com/openfroyo/taskcore/pkg/journal"
	"github.com/openfroyo/taskcore/pkg/policy"
	"github.com/openfroyo/taskcore/pkg/telemetry"
)

// app holds what the subcommands share. It is built in the root
// PersistentPreRunE and released by Execute.
type app struct {
	version   string
	commit    string
	buildDate string

	// Global flags
	configPath      string
	jsonOutput      bool
	noJournal       bool
	traceExporter   string
	otlpEndpoint    string
	metricsTextfile string

	settings *config.Settings
	tel      *telemetry.Telemetry
	journal  *journal.Store
	// journalErr explains why journal is nil.
	journalErr error
	policies   *policy.Engine
	watcher    *policy.Loader

	// sshDialer replaces the ssh dialer of connection managers when set.
	sshDialer connection.SSHDialer
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	a := &app{version: version, commit: commit, buildDate: buildDate}
	rootCmd := newRootCommand(a)

	err := rootCmd.ExecuteContext(ctx)
	if cerr := a.close(context.Background()); cerr != nil {
		log.Warn().Err(cerr).Msg("Shutdown incomplete")
	}
	return err
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskcore",
		Short: "taskcore - shared core of CI/CD pipeline tasks",
		Long: `taskcore runs deployment tools the way pipeline tasks do.

Features:
  - Tool execution with secret redaction and exit code pass-through
  - Service endpoints with credentials staged per run and always removed
  - Readiness polling with bounded retries
  - JSON/XML variable substitution and XDT transforms
  - Command admission policies (OPA/rego)
  - A local journal of every run`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", a.version, a.commit, a.buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	// Persistent flags available to all commands
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "settings file (default: taskcore.{yaml,toml,cue,json} in the working directory)")
	flags.BoolVar(&a.jsonOutput, "json", false, "output in JSON format")
	flags.BoolVar(&a.noJournal, "no-journal", false, "do not record this run in the journal")
	flags.StringVar(&a.traceExporter, "trace", "none", "trace exporter (none, stdout, otlp)")
	flags.StringVar(&a.otlpEndpoint, "otlp-endpoint", "", "OTLP/gRPC collector endpoint")
	flags.StringVar(&a.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(newExecCommand(a))
	rootCmd.AddCommand(newPollCommand(a))
	rootCmd.AddCommand(newTransformCommand(a))
	rootCmd.AddCommand(newEndpointsCommand(a))
	rootCmd.AddCommand(newPolicyCommand(a))
	rootCmd.AddCommand(newHistoryCommand(a))
	rootCmd.AddCommand(newVersionCommand(a))

	return rootCmd
}

// setup loads settings and builds telemetry and the journal.
func (a *app) setup(ctx context.Context) error {
	path := a.configPath
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			path = config.Discover(wd)
		}
	}

	settings, err := config.Load(path)
	if err != nil {
		return err
	}
	a.settings = settings

	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = a.version
	cfg.Logging.Level = settings.Log.Level
	cfg.Logging.Format = settings.Log.Format
	// The journal subscriber needs every event before the process exits.
	cfg.Events.EnableAsync = false
	switch a.traceExporter {
	case "", "none":
	case "stdout", "otlp":
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = a.traceExporter
		cfg.Tracing.Endpoint = a.otlpEndpoint
	default:
		return fmt.Errorf("unknown trace exporter %q", a.traceExporter)
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tel = tel

	log.Logger = tel.Logger.Zerolog()
	if level, err := zerolog.ParseLevel(settings.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if settings.Journal != "" && !a.noJournal {
		store, err := journal.Open(ctx, journal.Config{Path: settings.Journal})
		if err != nil {
			a.journalErr = err
			log.Warn().Err(err).Str("path", settings.Journal).Msg("Journal unavailable, runs will not be recorded")
		} else {
			a.journal = store
			journal.NewRecorder(store, tel.Logger).Attach(tel.Events)
		}
	} else {
		a.journalErr = fmt.Errorf("the journal is disabled")
	}

	log.Debug().
		Str("settings", settings.Source).
		Str("journal", settings.Journal).
		Int("endpoints", len(settings.Endpoints)).
		Msg("Settings loaded")

	return nil
}

// manager returns a connection manager configured from the settings.
func (a *app) manager() *connection.Manager {
	opts := a.settings.ManagerOptions()
	if a.sshDialer != nil {
		opts = append(opts, connection.WithSSHDialer(a.sshDialer))
	}
	return connection.NewManager(opts...)
}

// context returns ctx carrying the app's telemetry.
func (a *app) context(ctx context.Context) context.Context {
	if a.tel == nil {
		return ctx
	}
	return a.tel.WithContext(ctx)
}

// policyEngine builds the admission engine from the policy settings on
// first use.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	if a.policies != nil {
		return a.policies, nil
	}

	engine, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}

	ps := a.settings.Policy
	if len(ps.Paths) > 0 {
		if ps.Watch {
			a.watcher, err = engine.Watch(ctx, ps.Paths)
		} else {
			err = engine.LoadPolicies(ctx, ps.Paths)
		}
		if err != nil {
			return nil, err
		}
	}

	for _, name := range ps.Disabled {
		if err := engine.DisablePolicy(name); err != nil {
			log.Warn().Err(err).Str("policy", name).Msg("Cannot disable policy")
		}
	}

	a.policies = engine
	return engine, nil
}

// close flushes telemetry, writes the metrics textfile and closes the
// journal.
func (a *app) close(ctx context.Context) error {
	var result *multierror.Error

	if a.watcher != nil {
		if err := a.watcher.StopWatching(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("telemetry: %w", err))
		}
		if a.metricsTextfile != "" {
			if err := prometheus.WriteToTextfile(a.metricsTextfile, a.tel.Metrics.Registry()); err != nil {
				result = multierror.Append(result, fmt.Errorf("metrics: %w", err))
			}
		}
	}

	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("journal: %w", err))
		}
	}

	return result.ErrorOrNil()
}
