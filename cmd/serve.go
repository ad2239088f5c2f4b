package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/app"
)

func newServeCmd() *cobra.Command {
	var (
		udpAddr  string
		httpPort int
		noHTTP   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd)
			if err != nil {
				return err
			}
			cfg := rt.cfg
			if cmd.Flags().Changed("udp-addr") {
				cfg.Listener.Addr = udpAddr
			}
			if cmd.Flags().Changed("http-port") {
				cfg.Server.Port = httpPort
			}
			if noHTTP {
				cfg.Server.Enabled = false
			}

			relay, err := app.New(cmd.Context(), cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("initialize relay: %w", err)
			}
			rt.logger.Info("relay starting",
				zap.String("udp_addr", cfg.Listener.Addr),
				zap.Bool("http", cfg.Server.Enabled),
				zap.Bool("pubsub", cfg.PubSub.Enabled),
			)
			return relay.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&udpAddr, "udp-addr", "", "UDP address to receive progress on (overrides listener.addr)")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "HTTP port (overrides server.port)")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "disable the HTTP server")
	return cmd
}
