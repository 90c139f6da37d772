package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/page-bridge/internal/dispatch"
	"github.com/polzovatel/page-bridge/internal/envctx"
	"github.com/polzovatel/page-bridge/internal/wsport"
)

var callCmd = &cobra.Command{
	Use:   "call <verb>",
	Short: "Send one command to a running bridge",
	Long: `Connects to a running "bridge serve" as a caller without tab access and
relays one command through its coordinator.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = "ws://" + cfg.Listen + "/bridge"
		} else if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
			addr = "ws://" + addr + "/bridge"
		}
		v := readVerbFlags(cmd)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := log.With().Str("comp", "call").Logger()
		conn, err := wsport.Dial(ctx, addr, logger)
		if err != nil {
			return err
		}
		env := envctx.Environment{Runtime: true, Tabs: true, DOM: true, ExtensionPage: true}
		d, err := dispatcherFor(env, dispatch.Deps{Port: conn, Logger: logger}, v.tabURL)
		if err != nil {
			_ = conn.Close()
			return err
		}
		defer d.Close()
		return runVerb(ctx, d, args[0], v)
	},
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().String("addr", "", "Bridge address, host:port or ws:// URL; defaults to BRIDGE_LISTEN")
	addVerbFlags(callCmd)
}
