package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/tenantbox/internal/model"
)

// NewResolveCommand creates the "resolve" command. It runs the same
// resolution the HTTP middleware does and reports where a domain routes.
func NewResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <domain>",
		Short: "Show which tenant database a domain routes to",
		Long: `Resolve a domain to its tenant and open a connection to the tenant database.

The domain is normalized the same way the Host header is (case, port and
trailing dot are ignored).

Examples:
  tenantbox resolve acme.example.com
  tenantbox resolve ACME.example.com:3000`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

type resolveResultJSON struct {
	Tenant    *model.Tenant `json:"tenant"`
	DSN       string        `json:"dsn"`
	Reachable bool          `json:"reachable"`
}

func runResolve(ctx context.Context, w io.Writer, domain string) error {
	app, err := openApp(ctx, loaded, false)
	if err != nil {
		return err
	}
	defer app.Close()

	tenant, h, err := app.Router.ResolveConnection(ctx, domain)
	if err != nil {
		return err
	}
	reachable := h.Ping(ctx) == nil
	dsn := h.Info().Redacted()

	if IsJSONOutput() {
		return printJSON(w, resolveResultJSON{Tenant: tenant, DSN: dsn, Reachable: reachable})
	}
	fmt.Fprintf(w, "%s -> tenant %q\n", model.NormalizeDomain(domain), tenant.Name)
	fmt.Fprintf(w, "  Database:  %s\n", dsn)
	fmt.Fprintf(w, "  Status:    %s\n", tenant.Status)
	fmt.Fprintf(w, "  Reachable: %t\n", reachable)
	return nil
}
