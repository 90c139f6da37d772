package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/dom"
)

// Tab hosts a page in-process. The coordinator reaches it through one end of
// a pipe; the executor listens on the other end once injected.
type Tab struct {
	id     string
	page   dom.Page
	exec   *Executor
	logger zerolog.Logger

	active atomic.Bool
	serve  sync.Once
	served atomic.Bool
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	coordinator bridge.Port
	listener    bridge.Port
	closeOnce   sync.Once
}

func NewTab(id string, exec *Executor, logger zerolog.Logger) *Tab {
	ctx, cancel := context.WithCancel(context.Background())
	a, b := bridge.Pipe()
	return &Tab{
		id:          id,
		page:        exec.Page(),
		exec:        exec,
		logger:      logger.With().Str("tab", id).Logger(),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		coordinator: a,
		listener:    b,
	}
}

func (t *Tab) ID() string     { return t.id }
func (t *Tab) URL() string    { return t.page.URL() }
func (t *Tab) Page() dom.Page { return t.page }

func (t *Tab) Active() bool { return t.active.Load() }

func (t *Tab) SetActive(v bool) { t.active.Store(v) }

// Open returns the coordinator end of the tab channel. Posts on it fail with
// bridge.ErrNoReceiver until Inject has started the listener.
func (t *Tab) Open(ctx context.Context) (bridge.Port, error) {
	select {
	case <-t.coordinator.Done():
		return nil, fmt.Errorf("tab %s: %w", t.id, bridge.ErrClosed)
	default:
	}
	return tabPort{Port: t.coordinator, tab: t}, nil
}

type tabPort struct {
	bridge.Port
	tab *Tab
}

func (p tabPort) Post(ctx context.Context, msg bridge.Message) error {
	if !p.tab.served.Load() {
		return fmt.Errorf("tab %s: %w", p.tab.id, bridge.ErrNoReceiver)
	}
	return p.Port.Post(ctx, msg)
}

// Inject loads the page runtime and starts the listener. The listener is
// started at most once per tab no matter how often Inject runs.
func (t *Tab) Inject(ctx context.Context) error {
	select {
	case <-t.coordinator.Done():
		return fmt.Errorf("tab %s: %w", t.id, bridge.ErrClosed)
	default:
	}
	if err := t.page.Install(ctx); err != nil {
		return fmt.Errorf("install runtime: %w", err)
	}
	t.serve.Do(func() {
		t.served.Store(true)
		go func() {
			defer close(t.done)
			err := t.exec.Serve(t.ctx, t.listener)
			t.logger.Debug().Err(err).Msg("listener stopped")
		}()
	})
	return nil
}

// Capture renders the visible area of the tab.
func (t *Tab) Capture(ctx context.Context) ([]byte, error) {
	c, ok := t.page.(dom.Capturer)
	if !ok {
		return nil, fmt.Errorf("tab %s cannot be captured", t.id)
	}
	return c.Screenshot(ctx)
}

// Close tears the channel down and waits for the listener to exit.
func (t *Tab) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		_ = t.coordinator.Close()
		if t.served.Load() {
			<-t.done
		}
	})
	return nil
}
