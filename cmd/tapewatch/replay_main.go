package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tapewatch/tapewatch/internal/app"
)

func runReplay(cmd *cobra.Command, args []string) error {
	speed, err := cmd.Flags().GetFloat64("speed")
	if err != nil {
		return err
	}
	tunables, err := cmd.Flags().GetString("tunables")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.RunReplay(ctx, app.ReplayOptions{
		TapePath:     args[0],
		TunablesPath: tunables,
		Speed:        speed,
	})
}
