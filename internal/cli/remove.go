// remove.go implements the "tenantbox remove" command.
//
// The remove command decommissions a tenant: it unregisters the domain,
// closes the tenant's connection pool, removes the container together
// with its data volume and releases the host port.
//
// By default, the command prompts for confirmation before proceeding.
// The --force flag skips the prompt.

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/tenantbox/internal/model"
)

// removeFlags holds the flag values for the remove command.
type removeFlags struct {
	// force skips the interactive confirmation prompt when true.
	force bool
}

// NewRemoveCommand creates the "remove" cobra command.
func NewRemoveCommand() *cobra.Command {
	flags := &removeFlags{}

	cmd := &cobra.Command{
		Use:     "remove <domain>",
		Aliases: []string{"decommission"},
		Short:   "Decommission a tenant and destroy its database",
		Long: `Decommission the tenant registered for a domain.

The tenant's container and its data are removed and the host port is
released. This cannot be undone.

Unless --force is specified, the command prompts for confirmation.

Examples:
  tenantbox remove acme.example.com
  tenantbox remove --force acme.example.com`,

		Args: exactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), args[0], flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove without confirmation")

	return cmd
}

// runRemove finds the tenant, optionally prompts for confirmation and
// decommissions it.
func runRemove(ctx context.Context, in io.Reader, w io.Writer, domain string, flags *removeFlags) error {
	app, err := openApp(ctx, loaded, true)
	if err != nil {
		return err
	}
	defer app.Close()

	tenant, err := app.Service.Find(ctx, domain)
	if err != nil {
		return err
	}

	if !flags.force {
		confirmed, err := promptConfirmation(in, w, tenant)
		if err != nil {
			return model.WrapError(model.ExitGeneralError, "failed to read user input", err)
		}
		if !confirmed {
			return model.NewError(model.ExitUserCancelled, "operation cancelled by user")
		}
	}

	if err := app.Service.Decommission(ctx, tenant.Domain); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(w, removeResultJSON{
			Domain:      tenant.Domain,
			Action:      "removed",
			DBName:      tenant.DBName,
			ContainerID: tenant.ContainerID,
			Port:        tenant.DBPort,
		})
	}
	fmt.Fprintf(w, "Removed tenant %q (%s)\n", tenant.Name, tenant.Domain)
	fmt.Fprintf(w, "  Released port %d\n", tenant.DBPort)
	return nil
}

type removeResultJSON struct {
	Domain      string `json:"domain"`
	Action      string `json:"action"`
	DBName      string `json:"dbName"`
	ContainerID string `json:"containerId"`
	Port        int    `json:"port"`
}

// promptConfirmation asks the user to confirm the removal. It reads a
// single line and accepts "y" or "yes". A closed input counts as "no".
func promptConfirmation(in io.Reader, w io.Writer, t *model.Tenant) (bool, error) {
	fmt.Fprintf(w, "About to decommission tenant %q (%s):\n", t.Name, t.Domain)
	fmt.Fprintf(w, "  - database %s and all its data will be destroyed\n", t.DBName)
	fmt.Fprintf(w, "  - container %s will be removed\n", shortID(t.ContainerID))
	fmt.Fprint(w, "\nContinue? [y/N] ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}
	return false, scanner.Err()
}
