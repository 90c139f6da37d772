package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/page-bridge/internal/dispatch"
	"github.com/polzovatel/page-bridge/internal/envctx"
	"github.com/polzovatel/page-bridge/internal/tools"
	"github.com/polzovatel/page-bridge/internal/tools/mcpserver"
	"github.com/polzovatel/page-bridge/internal/wsport"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the bridge tools over MCP on stdin and stdout",
	Long: `Starts an MCP server whose tools drive browser tabs.

Without --connect the browser runs in this process. With --connect the tools
relay to a running "bridge serve".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		connect, _ := cmd.Flags().GetString("connect")
		storage, _ := cmd.Flags().GetString("storage")
		save, _ := cmd.Flags().GetString("save-state")
		tabURL, _ := cmd.Flags().GetString("tab-url")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := log.With().Str("comp", "mcp").Logger()
		var (
			d     *dispatch.Dispatcher
			saver tools.StateSaver
			err   error
		)
		if connect != "" {
			conn, derr := wsport.Dial(ctx, connect, logger)
			if derr != nil {
				return derr
			}
			env := envctx.Environment{Runtime: true, Tabs: true, DOM: true, ExtensionPage: true}
			d, err = dispatcherFor(env, dispatch.Deps{Port: conn, Logger: logger}, tabURL)
			if err != nil {
				_ = conn.Close()
				return err
			}
		} else {
			st, serr := startStack(ctx, storage, save)
			if serr != nil {
				return serr
			}
			defer st.Close()
			saver = st.tabs
			env := envctx.Environment{Runtime: true, Tabs: true}
			d, err = dispatcherFor(env, dispatch.Deps{Coordinator: st.coord, Logger: logger}, tabURL)
			if err != nil {
				return err
			}
		}
		defer d.Close()

		// stdout carries JSON-RPC
		srv := mcpserver.New(tools.New(d, saver), version, log.Logger)
		log.Info().Msg("mcp server on stdio")
		return srv.ServeStdio()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("connect", "", "ws:// URL of a running bridge; empty runs the browser in process")
	mcpCmd.Flags().String("storage", "", "Storage state file to restore cookies from")
	mcpCmd.Flags().String("save-state", "", "Write storage state here on exit")
	mcpCmd.Flags().String("tab-url", "", "Send every command to the first tab whose URL matches this pattern")
}
