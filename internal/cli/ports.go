package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/tenantbox/internal/port"
)

// NewPortsCommand creates the "ports" command, which shows the tenant
// port range after rehydration: ports leased to tenants and ports some
// other process on the host is bound to.
func NewPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "Show tenant port usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPorts(cmd.Context(), cmd.OutOrStdout(), port.NewScanner())
		},
	}
}

type portsResultJSON struct {
	Min       int   `json:"min"`
	Max       int   `json:"max"`
	Leased    []int `json:"leased"`
	Busy      []int `json:"busy"`
	Available int   `json:"available"`
}

func runPorts(ctx context.Context, w io.Writer, scanner *port.Scanner) error {
	app, err := openApp(ctx, loaded, true)
	if err != nil {
		return err
	}
	defer app.Close()

	lo, hi := app.Ports.Range()
	res := portsResultJSON{
		Min:       lo,
		Max:       hi,
		Leased:    app.Ports.Leased(),
		Busy:      []int{},
		Available: app.Ports.Available(),
	}
	// Leased ports are usually bound by their own container; only report
	// foreign listeners as busy.
	for _, p := range scanner.GetUsedPorts(lo, hi) {
		if !app.Ports.IsLeased(p) {
			res.Busy = append(res.Busy, p)
		}
	}

	if IsJSONOutput() {
		return printJSON(w, res)
	}
	fmt.Fprintf(w, "Range:     %d-%d\n", res.Min, res.Max)
	fmt.Fprintf(w, "Leased:    %s\n", FormatPortsList(res.Leased))
	fmt.Fprintf(w, "Busy:      %s\n", FormatPortsList(res.Busy))
	fmt.Fprintf(w, "Available: %d\n", res.Available)
	return nil
}
