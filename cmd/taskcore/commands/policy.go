package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/taskcore/pkg/connection"
	"github.com/openfroyo/taskcore/pkg/execution"
	"github.com/openfroyo/taskcore/pkg/policy"
	"github.com/openfroyo/taskcore/pkg/taskerr"
)

func newPolicyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test command admission policies",
		Long: `Admission policies are Rego modules evaluated against every command
before it is spawned. Built-in policies are always loaded; more are read
from the policy paths in the settings file.

Policies with error or critical severity deny the command. Warnings are
logged and the command runs.`,
	}

	cmd.AddCommand(newPolicyListCommand(a))
	cmd.AddCommand(newPolicyCheckCommand(a))

	return cmd
}

func newPolicyListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := a.policyEngine(a.context(cmd.Context()))
			if err != nil {
				return err
			}
			policies := engine.ListPolicies()

			if a.jsonOutput {
				type row struct {
					Name        string          `json:"name"`
					Severity    policy.Severity `json:"severity"`
					Enabled     bool            `json:"enabled"`
					Description string          `json:"description,omitempty"`
				}
				rows := make([]row, 0, len(policies))
				for _, p := range policies {
					rows = append(rows, row{Name: p.Name, Severity: p.Severity, Enabled: p.Enabled, Description: p.Description})
				}
				return printJSON(cmd.OutOrStdout(), rows)
			}

			t := newTable(cmd.OutOrStdout(), "NAME", "SEVERITY", "ENABLED", "DESCRIPTION")
			for _, p := range policies {
				t.row(p.Name, string(p.Severity), fmt.Sprint(p.Enabled), p.Description)
			}
			return t.flush()
		},
	}
}

func newPolicyCheckCommand(a *app) *cobra.Command {
	var (
		endpoint string
		dir      string
	)

	cmd := &cobra.Command{
		Use:   "check [flags] -- TOOL [ARGS...]",
		Short: "Evaluate a command against the policies without running it",
		Example: `  # Would this be allowed?
  taskcore policy check -- docker login -u ci -p hunter2 registry.example.com

  # As if run against an endpoint
  taskcore policy check --endpoint prod-cluster -- kubectl apply -f deploy.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := a.context(cmd.Context())

			engine, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}

			c := execution.NewCommand(args[0], args[1:]...)
			if dir != "" {
				c = c.WithDir(dir)
			}

			input := policy.InputFor(c)
			if endpoint != "" {
				ep, err := a.settings.Endpoint(endpoint)
				if err != nil {
					return err
				}
				input.ConnectionKind = string(ep.Kind)
				input.EnvKeys = append(input.EnvKeys, overlayKeys(ep.Kind)...)
			}

			decision, err := engine.Evaluate(ctx, input)
			if err != nil {
				return err
			}

			if a.jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), decision); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				verdict := "allowed"
				if !decision.Allowed {
					verdict = "denied"
				}
				fmt.Fprintf(out, "%s: %s (%d policies evaluated)\n", c.String(), verdict, len(decision.EvaluatedPolicies))
				for _, v := range decision.Violations {
					fmt.Fprintf(out, "  DENY  %s: %s\n", v.Policy, v.Message)
				}
				for _, w := range decision.Warnings {
					fmt.Fprintf(out, "  WARN  %s: %s\n", w.Policy, w.Message)
				}
				for _, e := range decision.Errors {
					fmt.Fprintf(out, "  ERROR %s\n", e)
				}
			}

			if !decision.Allowed {
				return taskerr.NewPolicyDeniedError(c.Tool(), decision.Messages())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "evaluate as if run against this endpoint")
	cmd.Flags().StringVarP(&dir, "dir", "C", "", "working directory")

	return cmd
}

// overlayKeys lists the variables a connection of kind adds to commands.
func overlayKeys(kind connection.Kind) []string {
	switch kind {
	case connection.KindDockerRegistry:
		return []string{connection.EnvDockerConfig}
	case connection.KindKubernetes:
		return []string{connection.EnvKubeconfig}
	case connection.KindHelm:
		return []string{connection.EnvKubeconfig, connection.EnvHelmNamespace}
	default:
		return nil
	}
}
