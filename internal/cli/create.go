// create.go implements the "tenantbox create" command.
//
// The create command provisions a new tenant end to end: it allocates a
// host port, starts a Postgres container, waits until the database
// accepts connections, applies the baseline schema and every pending
// migration, and finally registers the tenant under its domain.

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/tenantbox/internal/model"
)

// NewCreateCommand creates the "create" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name> <domain>",
		Short: "Provision a database for a new tenant",
		Long: `Provision an isolated Postgres database for a new tenant.

The tenant name determines the database (db_<slug>), role (user_<slug>)
and container name. The domain is the routing key requests are matched
against and must not be registered yet.

Examples:
  tenantbox create "Acme Corp" acme.example.com
  tenantbox create --json globex globex.example.com`,

		Args: exactArgs(2),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), cmd.OutOrStdout(), args[0], args[1])
		},
	}

	return cmd
}

// runCreate wires the core with a container runtime and creates one
// tenant. All cleanup on failure happens inside CreateTenant.
func runCreate(ctx context.Context, w io.Writer, name, domain string) error {
	app, err := openApp(ctx, loaded, true)
	if err != nil {
		return err
	}
	defer app.Close()

	VerboseLog("Creating tenant %q for domain %q", name, domain)
	tenant, err := app.Service.CreateTenant(ctx, name, domain)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(w, tenant)
	}
	printCreateResultText(w, tenant)
	return nil
}

// printCreateResultText outputs the new tenant as human-readable text.
// The password is never printed.
func printCreateResultText(w io.Writer, t *model.Tenant) {
	fmt.Fprintf(w, "Created tenant %q\n", t.Name)
	fmt.Fprintf(w, "  Domain:    %s\n", t.Domain)
	fmt.Fprintf(w, "  Database:  %s (user %s)\n", t.DBName, t.DBUser)
	fmt.Fprintf(w, "  Address:   %s:%d\n", t.DBHost, t.DBPort)
	fmt.Fprintf(w, "  Container: %s\n", shortID(t.ContainerID))
}

// shortID truncates a container ID to the 12 characters Docker shows.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
