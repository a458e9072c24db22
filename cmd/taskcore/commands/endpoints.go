package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/taskcore/pkg/connection"
	"github.com/openfroyo/taskcore/pkg/telemetry"
)

func newEndpointsCommand(a *app) *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "endpoints [NAME...]",
		Short: "List configured endpoints",
		Long: `List the endpoints from the settings file. Credentials are never shown.

With --verify each endpoint is opened and closed again: credentials are
staged, ssh endpoints are dialed, and everything is removed afterwards.`,
		Example: `  # List endpoints
  taskcore endpoints

  # Check that the registry credentials can be staged
  taskcore endpoints --verify registry`,
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoints := a.settings.Endpoints
			if len(args) > 0 {
				endpoints = nil
				for _, name := range args {
					ep, err := a.settings.Endpoint(name)
					if err != nil {
						return err
					}
					endpoints = append(endpoints, ep)
				}
			}

			type row struct {
				Name      string `json:"name"`
				Kind      string `json:"kind"`
				URL       string `json:"url,omitempty"`
				Namespace string `json:"namespace,omitempty"`
				Verified  *bool  `json:"verified,omitempty"`
				Error     string `json:"error,omitempty"`
			}

			var (
				rows   []row
				failed int
			)
			for _, ep := range endpoints {
				redacted := ep.Redacted()
				r := row{
					Name:      redacted.Name,
					Kind:      string(redacted.Kind),
					URL:       redacted.URL,
					Namespace: redacted.Namespace,
				}
				if verify {
					err := a.verifyEndpoint(cmd.Context(), ep)
					ok := err == nil
					r.Verified = &ok
					if err != nil {
						r.Error = err.Error()
						failed++
					}
				}
				rows = append(rows, r)
			}

			if a.jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), rows); err != nil {
					return err
				}
			} else {
				header := []string{"NAME", "KIND", "URL", "NAMESPACE"}
				if verify {
					header = append(header, "VERIFIED")
				}
				t := newTable(cmd.OutOrStdout(), header...)
				for _, r := range rows {
					cols := []string{r.Name, r.Kind, r.URL, r.Namespace}
					if r.Verified != nil {
						status := "ok"
						if !*r.Verified {
							status = r.Error
						}
						cols = append(cols, status)
					}
					t.row(cols...)
				}
				if err := t.flush(); err != nil {
					return err
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d endpoint(s) failed verification", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", false, "open and close each endpoint")

	return cmd
}

// verifyEndpoint opens ep and closes it again within its own run.
func (a *app) verifyEndpoint(ctx context.Context, ep connection.Endpoint) (err error) {
	ctx = a.context(ctx)
	ctx = telemetry.WithRunContext(ctx, uuid.NewString(), "verify "+ep.Name)
	defer func() { telemetry.EndRunContext(ctx, err) }()

	return a.manager().With(ctx, ep, func(context.Context, *connection.Connection) error {
		return nil
	})
}
