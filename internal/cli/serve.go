package cli

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/tenantbox/internal/server"
)

type serveFlags struct {
	addr string
}

// NewServeCommand creates the "serve" command, which runs the HTTP
// surface until SIGINT or SIGTERM.
func NewServeCommand() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and tenant router",
		Long: `Run the HTTP server.

Requests to /tenant and /tenant/users are routed to the tenant whose domain
matches the Host header. The /tenants endpoints administer tenants, and
/metrics exposes Prometheus metrics.

Examples:
  tenantbox serve
  tenantbox serve --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", "", "Listen address (default from server.addr)")
	return cmd
}

func runServe(ctx context.Context, flags *serveFlags) error {
	app, err := openApp(ctx, loaded, true)
	if err != nil {
		return err
	}
	defer app.Close()

	addr := loaded.Server.Addr
	if flags.addr != "" {
		addr = flags.addr
	}

	srv := server.New(app.Service, app.Router, app.Registry)
	log.Info().Str("addr", addr).Str("version", Version).Msg("tenantbox server starting")
	return srv.Run(ctx, addr)
}
