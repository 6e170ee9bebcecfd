// migrate.go implements the "tenantbox migrate" commands.
//
// Migrations are plain SQL files named <version>_<name>.sql in the
// migrations directory. "generate" creates an empty one, "apply" applies
// pending files to one or every tenant, and "status" shows what a tenant
// has applied and what is still pending.

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/tenantbox/internal/migrate"
	"github.com/shinji-kodama/tenantbox/internal/model"
	"github.com/shinji-kodama/tenantbox/internal/provision"
)

// NewMigrateCommand creates the "migrate" parent command.
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage tenant schema migrations",
	}

	cmd.AddCommand(newMigrateGenerateCommand())
	cmd.AddCommand(newMigrateApplyCommand())
	cmd.AddCommand(newMigrateStatusCommand())
	return cmd
}

func newMigrateGenerateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <name>",
		Short: "Create an empty migration file",
		Long: `Create an empty, timestamped migration file in the migrations directory.

Examples:
  tenantbox migrate generate add_orders
  tenantbox migrate generate "add invoice index"`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateGenerate(cmd.OutOrStdout(), args[0], time.Now())
		},
	}
}

// runMigrateGenerate only touches the migrations directory; no database
// or runtime is needed.
func runMigrateGenerate(w io.Writer, name string, now time.Time) error {
	path, err := migrate.NewDirSource(loaded.Migrations.Dir).Generate(name, now)
	if err != nil {
		return model.WrapError(model.ExitInvalidInput, "failed to generate migration", err)
	}

	if IsJSONOutput() {
		return printJSON(w, map[string]string{"path": path})
	}
	fmt.Fprintf(w, "Migration %s generated successfully\n", path)
	return nil
}

type migrateApplyFlags struct {
	domain string
}

func newMigrateApplyCommand() *cobra.Command {
	flags := &migrateApplyFlags{}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply pending migrations to tenants",
		Long: `Apply pending migrations to every tenant, or to one with --domain.

Tenants are migrated independently: a failure marks that tenant as
needs_attention and does not stop the others. The command exits with
code 10 if any tenant failed.

Examples:
  tenantbox migrate apply
  tenantbox migrate apply --domain acme.example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateApply(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.domain, "domain", "", "Only migrate the tenant of this domain")
	return cmd
}

func runMigrateApply(ctx context.Context, w io.Writer, flags *migrateApplyFlags) error {
	app, err := openApp(ctx, loaded, false)
	if err != nil {
		return err
	}
	defer app.Close()

	var results []provision.MigrationResult
	if flags.domain != "" {
		res, err := app.Service.ApplyMigrations(ctx, flags.domain)
		if err != nil && res.Domain == "" {
			// The tenant could not be resolved; nothing ran.
			return err
		}
		results = []provision.MigrationResult{res}
	} else {
		results, err = app.Service.ApplyMigrationsToAll(ctx)
		if err != nil {
			return err
		}
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}

	if IsJSONOutput() {
		if err := printJSON(w, map[string]any{"results": results}); err != nil {
			return err
		}
	} else {
		printMigrateResultText(w, results)
	}

	if failed > 0 {
		return model.NewError(model.ExitMigrationFailed,
			fmt.Sprintf("migrations failed for %d of %d tenants", failed, len(results)))
	}
	return nil
}

// printMigrateResultText prints one line per tenant:
//
//	acme.example.com     ok      20240101000000,20240201000000
//	globex.example.com   FAILED  migration 20240201000000_tags.sql failed: ...
func printMigrateResultText(w io.Writer, results []provision.MigrationResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No tenants to migrate.")
		return
	}
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "%-24s %-7s %s\n", r.Domain, "FAILED", r.Error)
		case len(r.Applied) == 0:
			fmt.Fprintf(w, "%-24s %-7s %s\n", r.Domain, "ok", "up to date")
		default:
			fmt.Fprintf(w, "%-24s %-7s %s\n", r.Domain, "ok", strings.Join(r.Applied, ","))
		}
	}
}

func newMigrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <domain>",
		Short: "Show applied and pending migrations of a tenant",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func runMigrateStatus(ctx context.Context, w io.Writer, domain string) error {
	app, err := openApp(ctx, loaded, false)
	if err != nil {
		return err
	}
	defer app.Close()

	st, err := app.Service.Status(ctx, domain)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(w, st)
	}
	fmt.Fprintf(w, "Tenant %s\n", st.Domain)
	fmt.Fprintf(w, "  Applied: %d\n", len(st.Applied))
	for _, r := range st.Applied {
		fmt.Fprintf(w, "    %s  %s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  Pending: %d\n", len(st.Pending))
	for _, v := range st.Pending {
		fmt.Fprintf(w, "    %s\n", v)
	}
	return nil
}
