// list.go implements the "tenantbox list" command.
//
// The list command displays every registered tenant, read from the
// registry, as a text table or JSON array depending on the --json flag.
// An optional --status flag filters by tenant status.

package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/tenantbox/internal/model"
)

// listFlags holds the flag values for the list command.
type listFlags struct {
	// status filters tenants by status.
	// Valid values: "active", "needs_attention", "all" (default).
	status string
}

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all tenants",
		Long: `List all registered tenants with their database and status.

Examples:
  tenantbox list
  tenantbox list --status needs_attention
  tenantbox list --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.status, "status", "all",
		"Filter by status: active, needs_attention, all")

	return cmd
}

// runList reads the registry and prints the (filtered) tenants. It does
// not need a container runtime.
func runList(ctx context.Context, w io.Writer, flags *listFlags) error {
	var filter model.TenantStatus
	if flags.status != "all" {
		s, err := model.ParseTenantStatus(flags.status)
		if err != nil {
			return model.WrapError(model.ExitInvalidInput,
				fmt.Sprintf("invalid status filter %q: valid values are active, needs_attention, all", flags.status), err)
		}
		filter = s
	}

	app, err := openApp(ctx, loaded, false)
	if err != nil {
		return err
	}
	defer app.Close()

	tenants, err := app.Service.List(ctx)
	if err != nil {
		return err
	}
	tenants = filterTenants(tenants, filter)

	if IsJSONOutput() {
		return printJSON(w, listResultJSON{Tenants: tenants})
	}
	printListResultText(w, tenants)
	return nil
}

// listResultJSON is the JSON shape of the list command. Tenants is never
// null.
type listResultJSON struct {
	Tenants []*model.Tenant `json:"tenants"`
}

// filterTenants keeps the tenants with status; an empty status keeps all.
// The result is never nil.
func filterTenants(tenants []*model.Tenant, status model.TenantStatus) []*model.Tenant {
	out := make([]*model.Tenant, 0, len(tenants))
	for _, t := range tenants {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// printListResultText outputs the tenants as a text table:
//
//	DOMAIN               NAME                 DATABASE             PORT   STATUS
//	acme.example.com     Acme Corp            db_acme_corp         5433   active
func printListResultText(w io.Writer, tenants []*model.Tenant) {
	if len(tenants) == 0 {
		fmt.Fprintln(w, "No tenants found.")
		return
	}

	fmt.Fprintf(w, "%-24s %-20s %-24s %-6s %s\n", "DOMAIN", "NAME", "DATABASE", "PORT", "STATUS")
	for _, t := range tenants {
		fmt.Fprintf(w, "%-24s %-20s %-24s %-6d %s\n", t.Domain, t.Name, t.DBName, t.DBPort, t.Status)
	}
}

// FormatPortsList converts host ports into a sorted, comma-separated
// list. Consecutive ports collapse into ranges ("5433-5435"). It returns
// "-" for an empty list.
//
//	[5435, 5433, 5434, 5440] → "5433-5435,5440"
//	[]                       → "-"
func FormatPortsList(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}

	sorted := append([]int(nil), ports...)
	sort.Ints(sorted)

	var parts []string
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, strconv.Itoa(start)+"-"+strconv.Itoa(prev))
		}
	}
	for _, p := range sorted[1:] {
		if p == prev {
			continue
		}
		if p == prev+1 {
			prev = p
			continue
		}
		flush()
		start, prev = p, p
	}
	flush()
	return strings.Join(parts, ",")
}
