package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/dispatch"
	"github.com/polzovatel/page-bridge/internal/dom/htmldom"
	"github.com/polzovatel/page-bridge/internal/envctx"
	"github.com/polzovatel/page-bridge/internal/executor"
	"github.com/polzovatel/page-bridge/internal/relay"
	"github.com/polzovatel/page-bridge/internal/snapshot"
)

const (
	contextPrivileged = "privileged"
	contextPage       = "page"
)

var staticCmd = &cobra.Command{
	Use:   "static <file.html> <verb>",
	Short: "Run one command against a local HTML file without a browser",
	Long: `Parses the file into an in-memory document, hosts it as the only tab and
runs the command through the same coordinator and executor a browser tab uses.
Layout is approximate and events only reach listeners registered in Go.

--context=page issues the command from inside the document. It then runs on the
local executor, or through the coordinator when BRIDGE_EXECUTOR_VIA_RELAY is set.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, err := htmldom.Load(args[0])
		if err != nil {
			return err
		}
		v := readVerbFlags(cmd)
		mode, _ := cmd.Flags().GetString("context")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, closeAll, err := staticDispatcher(ctx, page, mode, v.tabURL)
		if err != nil {
			return err
		}
		defer closeAll()
		return runVerb(ctx, d, args[1], v)
	},
}

func init() {
	rootCmd.AddCommand(staticCmd)
	addVerbFlags(staticCmd)
	staticCmd.Flags().String("context", contextPrivileged, "Context the command is issued from: privileged or page")
}

// staticDispatcher hosts page as the only tab and returns a dispatcher for
// the given context. The returned func tears everything down.
func staticDispatcher(ctx context.Context, page *htmldom.Page, mode, tabURL string) (*dispatch.Dispatcher, func(), error) {
	engine := snapshot.NewEngine(snapshot.Options{}, log.With().Str("comp", "snapshot").Logger())
	exec := executor.New(page, engine, log.With().Str("comp", "executor").Logger())
	tab := executor.NewTab("static", exec, log.Logger)
	tab.SetActive(true)
	coord := relay.New(relay.NewTabList(tab), cfg.Relay, relay.WithLogger(log.With().Str("comp", "relay").Logger()))

	closers := []func(){
		func() { _ = tab.Close() },
		func() { _ = coord.Close() },
	}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := dispatch.Deps{Coordinator: coord, Logger: log.Logger}
	var env envctx.Environment
	switch mode {
	case contextPrivileged, "":
		env = envctx.Environment{Runtime: true, Tabs: true}
	case contextPage:
		// the caller lives in the document, so its runtime is already there
		if err := page.Install(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		env = envctx.Environment{Runtime: true, DOM: true}
		deps.Executor = dispatch.HandlerFunc(exec.Execute)

		caller, server := bridge.Pipe()
		sctx, cancel := context.WithCancel(context.Background())
		served := make(chan struct{})
		go func() {
			defer close(served)
			_ = coord.Serve(sctx, server)
		}()
		closers = append(closers, func() {
			cancel()
			<-served
			_ = server.Close()
		})
		deps.Port = caller
	default:
		closeAll()
		return nil, nil, fmt.Errorf("unknown context %q; want %s or %s", mode, contextPrivileged, contextPage)
	}

	d, err := dispatcherFor(env, deps, tabURL)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	log.Debug().Str("context", string(envctx.Classify(env, cfg.Env).Context)).
		Str("transport", fmt.Sprintf("%T", d.Transport())).
		Msg("static page hosted")
	return d, func() {
		_ = d.Close()
		closeAll()
	}, nil
}
