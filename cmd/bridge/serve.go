package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/page-bridge/internal/browser"
	"github.com/polzovatel/page-bridge/internal/metrics"
	"github.com/polzovatel/page-bridge/internal/relay"
	"github.com/polzovatel/page-bridge/internal/server"
	"github.com/polzovatel/page-bridge/internal/snapshot"
)

// stack is a running browser with a coordinator in front of its tabs.
type stack struct {
	launcher *browser.Launcher
	tabs     *browser.Tabs
	coord    *relay.Coordinator
	metrics  *metrics.Relay
	storage  string
	save     string
}

func startStack(ctx context.Context, storage, save string) (*stack, error) {
	launcher, err := browser.NewLauncher(ctx, cfg.Headless)
	if err != nil {
		return nil, fmt.Errorf("browser init: %w", err)
	}
	engine := snapshot.NewEngine(snapshot.Options{}, log.With().Str("comp", "snapshot").Logger())
	tabs, err := launcher.NewTabs(ctx, storage, engine, log.Logger)
	if err != nil {
		_ = launcher.Close()
		return nil, fmt.Errorf("browser context: %w", err)
	}
	if _, err := tabs.Open(ctx, cfg.StartURL); err != nil {
		_ = tabs.Close()
		_ = launcher.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.StartURL, err)
	}
	m := metrics.New()
	coord := relay.New(tabs, cfg.Relay,
		relay.WithMetrics(m),
		relay.WithLogger(log.With().Str("comp", "relay").Logger()),
	)
	return &stack{launcher: launcher, tabs: tabs, coord: coord, metrics: m, storage: storage, save: save}, nil
}

func (s *stack) Close() {
	if s.save != "" {
		if err := s.tabs.SaveState(context.Background(), s.save); err != nil {
			log.Warn().Err(err).Str("path", s.save).Msg("save state failed")
		}
	}
	_ = s.coord.Close()
	_ = s.tabs.Close()
	_ = s.launcher.Close()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the browser and accept commands over websocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Listen
		}
		storage, _ := cmd.Flags().GetString("storage")
		save, _ := cmd.Flags().GetString("save-state")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := startStack(ctx, storage, save)
		if err != nil {
			return err
		}
		defer st.Close()

		srv := server.New(st.coord, st.metrics.Handler(), log.With().Str("comp", "server").Logger())
		log.Info().Str("listen", listen).Str("start_url", cfg.StartURL).Msg("bridge ready")
		return srv.ListenAndServe(ctx, listen)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "Address to listen on; overrides BRIDGE_LISTEN")
	serveCmd.Flags().String("storage", "", "Storage state file to restore cookies from")
	serveCmd.Flags().String("save-state", "", "Write storage state here on exit")
}
