// Package cmd holds the progressrelay command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/config"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/logging"
)

type runtimeKeyType struct{}

var runtimeKey runtimeKeyType

// runtime is built once per invocation, after flags are parsed.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "progressrelay",
		Short: "Relay ffmpeg -progress reports to subscribers.",
		Long: `progressrelay listens for the key=value progress reports ffmpeg sends with
-progress udp://host:25527, keeps the recognized fields, and republishes each
report as an ffmpeg_stats event to metrics, an HTTP stream, and optionally
Google Cloud Pub/Sub.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok {
				logging.Sync(rt.logger)
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment uses the PROGRESSRELAY_ prefix")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReplayCmd())
	return cmd
}

func runtimeFrom(cmd *cobra.Command) (*runtime, error) {
	rt, ok := cmd.Context().Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
