package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	appName = "tapewatch"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time market microstructure surveillance",
		Version: version,
		Long: `tapewatch watches venue trade and depth streams for order-book
imbalance, abnormal taker slippage, whale activity, pump/dump moves and
spot-perp basis dislocations, and routes the resulting alerts to the log,
Postgres and Telegram.`,
		RunE: runMonitor, // bare invocation runs the monitor
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the live surveillance service",
		Long:  "Connects to the configured venues and runs the full detector suite until interrupted.",
		RunE:  runMonitor,
	}

	replayCmd := &cobra.Command{
		Use:   "replay <tape.csv>",
		Short: "Replay a recorded trade tape through the detectors",
		Long:  "Streams a CSV trade tape through the trade-driven detectors and the alert gate. Useful for threshold tuning and regression checks.",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
	replayCmd.Flags().Float64("speed", 0, "Playback speed multiple (0 = unthrottled, 1 = recorded pace)")
	replayCmd.Flags().String("tunables", "config/tunables.json", "Detector tunables overlay")

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(replayCmd)

	// Accept both dash and underscore flag spellings.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setLogLevel(level string) {
	if lv, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lv)
	}
}
