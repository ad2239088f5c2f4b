package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/replay"
)

func newReplayCmd() *cobra.Command {
	var (
		target   string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "replay <recording>",
		Short: "Send a recorded ffmpeg progress stream to a relay.",
		Long: `replay reads a file captured from ffmpeg -progress (for example with
-progress file.txt) and sends each report as one datagram, pausing between
reports like a live encode.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFrom(cmd)
			if err != nil {
				return err
			}
			if target == "" {
				target = rt.cfg.Listener.Addr
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open recording: %w", err)
			}
			defer f.Close()

			sent, err := replay.File(cmd.Context(), args[0], f, target, replay.Options{
				Interval: interval,
				Logger:   rt.logger.Named("replay"),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d reports to %s\n", sent, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "relay address (default listener.addr)")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "pause between reports")
	return cmd
}
