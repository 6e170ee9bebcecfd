// containers.go implements the "tenantbox containers" command.
//
// The command lists every container carrying the tenantbox management
// label, whether or not a registered tenant still owns it, by querying
// Docker directly. Containers without a registered tenant are reported as
// orphaned.

package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/tenantbox/internal/docker"
	"github.com/shinji-kodama/tenantbox/internal/model"
)

// NewContainersCommand creates the "containers" cobra command.
func NewContainersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "containers",
		Short: "List managed tenant containers",
		Long: `List all containers managed by tenantbox, including stopped ones and
containers whose tenant is no longer registered.

Examples:
  tenantbox containers
  tenantbox containers --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContainers(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

// containerJSON is one managed container in the containers output.
type containerJSON struct {
	ContainerID string `json:"containerId"`
	Name        string `json:"name"`
	Tenant      string `json:"tenant"`
	DBName      string `json:"dbName"`
	HostPort    int    `json:"hostPort"`
	Status      string `json:"status"`
	Registered  bool   `json:"registered"`
}

func runContainers(ctx context.Context, w io.Writer) error {
	app, err := openApp(ctx, loaded, true)
	if err != nil {
		return err
	}
	defer app.Close()

	containers, err := app.Runtime.ListManagedContainers(ctx)
	if err != nil {
		return err
	}
	tenants, err := app.Service.List(ctx)
	if err != nil {
		return err
	}
	VerboseLog("Found %d managed containers and %d tenants", len(containers), len(tenants))

	rows := buildContainerRows(containers, tenants)
	if IsJSONOutput() {
		return printJSON(w, map[string]any{"containers": rows})
	}
	printContainersText(w, rows)
	return nil
}

// buildContainerRows joins containers with the registry by container ID.
// Containers whose labels cannot be parsed are still listed, with what is
// known about them.
func buildContainerRows(containers []model.ContainerInfo, tenants []*model.Tenant) []containerJSON {
	owned := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		owned[t.ContainerID] = true
	}

	rows := make([]containerJSON, 0, len(containers))
	for _, c := range containers {
		row := containerJSON{
			ContainerID: c.ContainerID,
			Name:        c.ContainerName,
			Status:      c.Status,
			Registered:  owned[c.ContainerID],
		}
		if tl, err := docker.ParseLabels(c.Labels); err == nil {
			row.Tenant = tl.Name
			row.DBName = tl.DBName
			row.HostPort = tl.HostPort
		} else {
			VerboseLog("Warning: container %s has invalid labels: %v", c.ContainerName, err)
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

func printContainersText(w io.Writer, rows []containerJSON) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No managed containers found.")
		return
	}

	fmt.Fprintf(w, "%-14s %-32s %-6s %-10s %s\n", "CONTAINER", "NAME", "PORT", "STATUS", "TENANT")
	for _, r := range rows {
		tenant := r.Tenant
		if !r.Registered {
			tenant += " (orphaned)"
		}
		fmt.Fprintf(w, "%-14s %-32s %-6d %-10s %s\n", shortID(r.ContainerID), r.Name, r.HostPort, r.Status, tenant)
	}
}
