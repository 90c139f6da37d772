package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/dom"
)

// MarkerWriter is implemented by pages that can swap every reference marker
// in one round trip.
type MarkerWriter interface {
	ApplyMarkers(ctx context.Context, attr string, marks map[string]dom.Node) error
}

// Engine owns the process-wide reference counter and writes markers onto the
// document after each walk. One engine should serve every page of a process
// so references never repeat.
type Engine struct {
	mu      sync.Mutex
	counter Counter
	opts    Options
	logger  zerolog.Logger
}

func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	return &Engine{opts: opts.withDefaults(), logger: logger}
}

// Capture walks the page, invalidates the previous references and attaches
// the new ones.
func (e *Engine) Capture(ctx context.Context, page dom.Page) (Tree, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	root, err := page.Root(ctx)
	if err != nil {
		return Tree{}, bridge.Wrap(bridge.KindTransport, err, "read document")
	}
	tree, next := Build(root, e.counter, e.opts)
	if err := e.mark(ctx, page, root, tree); err != nil {
		return Tree{}, bridge.Wrap(bridge.KindTransport, err, "attach markers")
	}
	e.counter = next

	e.logger.Debug().
		Str("url", page.URL()).
		Int("nodes", tree.Stats.Nodes).
		Int("visited", tree.Stats.Visited).
		Bool("truncated", tree.Stats.Truncated).
		Dur("took", time.Since(start)).
		Msg("snapshot")
	return tree, nil
}

func (e *Engine) mark(ctx context.Context, page dom.Page, root dom.Node, tree Tree) error {
	if w, ok := page.(MarkerWriter); ok {
		return w.ApplyMarkers(ctx, MarkerAttr, tree.elements)
	}
	var stale []dom.Node
	dom.Walk(root, func(n dom.Node) bool {
		if dom.Has(n, MarkerAttr) {
			stale = append(stale, n)
		}
		return true
	})
	for _, n := range stale {
		if err := page.RemoveAttribute(ctx, n, MarkerAttr); err != nil {
			return fmt.Errorf("clear marker: %w", err)
		}
	}
	for ref, n := range tree.elements {
		if err := page.SetAttribute(ctx, n, MarkerAttr, ref); err != nil {
			return fmt.Errorf("set marker %s: %w", ref, err)
		}
	}
	return nil
}

// Resolve maps a reference from the most recent snapshot back to its live
// element. A reference that no element carries any more is stale, which
// tells the caller to snapshot again rather than retry.
func Resolve(ctx context.Context, page dom.Page, ref string) (dom.Node, error) {
	if !ValidRef(ref) {
		return nil, bridge.Errorf(bridge.KindInvalidCommand, "malformed reference %q", ref)
	}
	nodes, err := page.FindByAttribute(ctx, MarkerAttr, ref)
	if err != nil {
		return nil, bridge.Wrap(bridge.KindTransport, err, "find reference")
	}
	switch len(nodes) {
	case 0:
		return nil, bridge.Errorf(bridge.KindStaleReference, "reference %s is no longer in the document, take a new snapshot", ref)
	case 1:
		return nodes[0], nil
	default:
		return nil, bridge.Errorf(bridge.KindStaleReference, "reference %s is carried by %d elements, take a new snapshot", ref, len(nodes))
	}
}
