// Package browser hosts tabs in a real Chromium through playwright. Each
// playwright page becomes an executor tab the relay coordinator can reach.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"github.com/polzovatel/page-bridge/internal/executor"
	"github.com/polzovatel/page-bridge/internal/relay"
	"github.com/polzovatel/page-bridge/internal/snapshot"
)

const (
	defaultNavTimeout = 30 * time.Second
	stableTimeout     = 2 * time.Second
)

// Launcher owns playwright lifecycle.
type Launcher struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	headless bool
}

func NewLauncher(ctx context.Context, headless bool) (*Launcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: browser, headless: headless}, nil
}

// NewTabs opens a browser context, restoring storage state from storagePath
// when the file exists.
func (l *Launcher) NewTabs(ctx context.Context, storagePath string, engine *snapshot.Engine, logger zerolog.Logger) (*Tabs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if strings.TrimSpace(storagePath) != "" {
		if _, err := os.Stat(storagePath); err == nil {
			opts.StorageStatePath = playwright.String(storagePath)
		}
	}
	bc, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	t := &Tabs{
		context: bc,
		engine:  engine,
		logger:  logger.With().Str("comp", "tabs").Logger(),
		byPage:  make(map[playwright.Page]*executor.Tab),
	}
	bc.OnPage(func(p playwright.Page) { t.adopt(p) })
	return t, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

// Tabs tracks the pages of one browser context. The most recently opened or
// activated page is the active tab.
type Tabs struct {
	context playwright.BrowserContext
	engine  *snapshot.Engine
	logger  zerolog.Logger

	mu     sync.Mutex
	seq    int
	byPage map[playwright.Page]*executor.Tab
	order  []*executor.Tab
	active *executor.Tab
}

var _ relay.TabSource = (*Tabs)(nil)

// Open creates a page, navigates it to url and makes it active.
func (t *Tabs) Open(ctx context.Context, url string) (*executor.Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := t.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	p.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	tab := t.adopt(p)
	if strings.TrimSpace(url) != "" {
		if _, err := p.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateLoad,
			Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
		}); err != nil {
			return nil, wrap(err)
		}
		if err := waitStable(ctx, p, stableTimeout); err != nil {
			t.logger.Debug().Err(err).Str("url", url).Msg("page did not settle")
		}
	}
	t.Activate(tab.ID())
	return tab, nil
}

// Activate marks the tab with the given id active and brings its page to front.
func (t *Tabs) Activate(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	var found *executor.Tab
	for p, tab := range t.byPage {
		if tab.ID() == id {
			found = tab
			_ = p.BringToFront()
		}
	}
	if found == nil {
		return false
	}
	for _, tab := range t.order {
		tab.SetActive(tab == found)
	}
	t.active = found
	return true
}

func (t *Tabs) Tabs(ctx context.Context) ([]relay.Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]relay.Tab, 0, len(t.order))
	for _, tab := range t.order {
		out = append(out, tab)
	}
	return out, nil
}

// SaveState writes cookies and local storage so a later run can restore them.
func (t *Tabs) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := t.context.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (t *Tabs) Close() error {
	t.mu.Lock()
	tabs := append([]*executor.Tab(nil), t.order...)
	t.mu.Unlock()
	for _, tab := range tabs {
		_ = tab.Close()
	}
	return wrap(t.context.Close())
}

// adopt registers a page once. Pages opened by the site itself arrive through
// the context's page event.
func (t *Tabs) adopt(p playwright.Page) *executor.Tab {
	t.mu.Lock()
	if tab, ok := t.byPage[p]; ok {
		t.mu.Unlock()
		return tab
	}
	t.seq++
	id := fmt.Sprintf("tab-%d", t.seq)
	exec := executor.New(NewPage(p), t.engine, t.logger)
	tab := executor.NewTab(id, exec, t.logger)
	t.byPage[p] = tab
	t.order = append(t.order, tab)
	if t.active == nil {
		t.active = tab
		tab.SetActive(true)
	}
	t.mu.Unlock()

	t.logger.Debug().Str("tab", id).Str("url", p.URL()).Msg("tab opened")
	p.OnClose(func(playwright.Page) { t.forget(p) })
	return tab
}

func (t *Tabs) forget(p playwright.Page) {
	t.mu.Lock()
	tab, ok := t.byPage[p]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.byPage, p)
	for i, o := range t.order {
		if o == tab {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if t.active == tab {
		t.active = nil
		if n := len(t.order); n > 0 {
			t.active = t.order[n-1]
			t.active.SetActive(true)
		}
	}
	t.mu.Unlock()

	_ = tab.Close()
	t.logger.Debug().Str("tab", tab.ID()).Msg("tab closed")
}

// waitStable waits for network idle, then for 300ms without DOM mutations.
func waitStable(ctx context.Context, p playwright.Page, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}); err != nil {
		_ = p.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateDomcontentloaded,
			Timeout: playwright.Float(1000),
		})
	}
	_, err := p.Evaluate(quietScript)
	return wrap(err)
}

const quietScript = `() => new Promise((resolve) => {
	let timer;
	const observer = new MutationObserver(() => {
		clearTimeout(timer);
		timer = setTimeout(() => { observer.disconnect(); resolve(); }, 300);
	});
	observer.observe(document.documentElement, {childList: true, subtree: true, attributes: true});
	timer = setTimeout(() => { observer.disconnect(); resolve(); }, 300);
})`

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}
