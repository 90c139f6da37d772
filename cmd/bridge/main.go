package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/page-bridge/internal/config"
)

const version = "0.1.0"

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Drive browser tabs through an in-page executor",
	Long: `bridge hosts browser tabs, injects an executor into them on demand and
relays click, type, hover, getElement, snapshot and screenshot commands to it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			if parsed, err := zerolog.ParseLevel(lvl); err == nil {
				cfg.LogLevel = parsed
			}
		}
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		zerolog.SetGlobalLevel(cfg.LogLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides BRIDGE_LOG_LEVEL")
}
