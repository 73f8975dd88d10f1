package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tapewatch/tapewatch/internal/app"
	"github.com/tapewatch/tapewatch/internal/config"
)

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setLogLevel(cfg.LogLevel)

	sup := app.NewSupervisor(cfg)
	code := sup.Run()
	if code != app.ExitOK {
		os.Exit(code)
	}
	return nil
}
