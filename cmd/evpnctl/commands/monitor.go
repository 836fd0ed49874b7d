package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/evpnd/internal/server"
)

func monitorCmd() *cobra.Command {
	var includeCurrent bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream EVPN events",
		Long:  "Connects to the evpnd daemon and streams VNI and binding events until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err := client.Watch(ctx, server.WatchRequest{IncludeCurrent: includeCurrent}, func(ev server.EventView) error {
				out, err := render(ev, outputFormat)
				if err != nil {
					return fmt.Errorf("format event: %w", err)
				}
				fmt.Print(out)
				return nil
			})
			if err != nil {
				// Context cancellation (Ctrl+C) is expected, not an error.
				if errors.Is(err, context.Canceled) || connect.CodeOf(err) == connect.CodeCanceled {
					return nil
				}
				return fmt.Errorf("stream error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&includeCurrent, "current", false,
		"include current VNIs and bindings before streaming changes")

	return cmd
}
