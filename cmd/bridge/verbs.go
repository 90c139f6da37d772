package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/dispatch"
	"github.com/polzovatel/page-bridge/internal/envctx"
)

// verbFlags are the command line form of a command's target and payload.
type verbFlags struct {
	ref      string
	selector string
	x, y     float64
	point    bool
	text     string
	append   bool
	limit    int
	tabURL   string
	out      string
}

func addVerbFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("ref", "", "Element ref from a snapshot, e.g. e12")
	f.String("selector", "", "CSS selector")
	f.Float64("x", 0, "Viewport x coordinate (click)")
	f.Float64("y", 0, "Viewport y coordinate (click)")
	f.String("text", "", "Text to type")
	f.Bool("append", false, "Append to the current value when typing")
	f.Int("limit", 0, "Maximum elements for getElement")
	f.String("tab-url", "", "Send to the first tab whose URL matches this pattern")
	f.String("out", "screenshot.png", "Where screenshot writes the PNG")
}

func readVerbFlags(cmd *cobra.Command) verbFlags {
	f := cmd.Flags()
	var v verbFlags
	v.ref, _ = f.GetString("ref")
	v.selector, _ = f.GetString("selector")
	v.x, _ = f.GetFloat64("x")
	v.y, _ = f.GetFloat64("y")
	v.point = f.Changed("x") || f.Changed("y")
	v.text, _ = f.GetString("text")
	v.append, _ = f.GetBool("append")
	v.limit, _ = f.GetInt("limit")
	v.tabURL, _ = f.GetString("tab-url")
	v.out, _ = f.GetString("out")
	return v
}

func (v verbFlags) target() bridge.Target {
	t := bridge.Target{Ref: v.ref, Selector: v.selector}
	if v.point {
		t.Point = &bridge.Point{X: v.x, Y: v.y}
	}
	return t
}

// runVerb sends one command and prints its result as JSON on stdout.
func runVerb(ctx context.Context, d *dispatch.Dispatcher, verb string, v verbFlags) error {
	var (
		out any
		err error
	)
	switch bridge.Verb(verb) {
	case bridge.VerbClick:
		out, err = d.Click(ctx, v.target())
	case bridge.VerbType:
		out, err = d.TypeInto(ctx, v.target(), v.text, v.append)
	case bridge.VerbHover:
		err = d.HoverOver(ctx, v.target())
		out = map[string]bool{"hovered": err == nil}
	case bridge.VerbGetElement:
		out, err = d.GetElement(ctx, v.selector, v.limit)
	case bridge.VerbSnapshot:
		snap, serr := d.Snapshot(ctx)
		if serr != nil {
			return serr
		}
		fmt.Print(snap.Outline)
		return nil
	case bridge.VerbScreenshot:
		shot, serr := d.Screenshot(ctx)
		if serr != nil {
			return serr
		}
		if err := os.WriteFile(v.out, shot.Data, 0o644); err != nil {
			return fmt.Errorf("write screenshot: %w", err)
		}
		out = map[string]any{"path": v.out, "bytes": len(shot.Data)}
	default:
		return fmt.Errorf("unknown verb %q; want one of %s", verb, strings.Join(verbNames(), ", "))
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func verbNames() []string {
	return []string{
		string(bridge.VerbClick), string(bridge.VerbType), string(bridge.VerbHover),
		string(bridge.VerbGetElement), string(bridge.VerbSnapshot), string(bridge.VerbScreenshot),
	}
}

// dispatcherFor classifies env, picks the transport for it and wraps it.
func dispatcherFor(env envctx.Environment, deps dispatch.Deps, tabURL string) (*dispatch.Dispatcher, error) {
	class := envctx.Classify(env, cfg.Env)
	t, err := dispatch.Select(class, deps)
	if err != nil {
		return nil, err
	}
	opts := []dispatch.Option{dispatch.WithLogger(deps.Logger)}
	if tabURL != "" {
		opts = append(opts, dispatch.WithTabURL(tabURL))
	}
	return dispatch.New(t, opts...), nil
}
