package relay

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/polzovatel/page-bridge/internal/bridge"
)

// Tab is a browser tab as seen by the coordinator.
type Tab interface {
	ID() string
	URL() string
	Active() bool
	// Open returns the channel to the tab's page executor.
	Open(ctx context.Context) (bridge.Port, error)
	// Inject loads the page executor into the tab.
	Inject(ctx context.Context) error
	// Capture renders the visible area of the tab as PNG.
	Capture(ctx context.Context) ([]byte, error)
}

// TabSource lists the tabs the coordinator may act on.
type TabSource interface {
	Tabs(ctx context.Context) ([]Tab, error)
}

// TabList is an in-memory TabSource.
type TabList struct {
	mu   sync.RWMutex
	tabs []Tab
}

func NewTabList(tabs ...Tab) *TabList {
	return &TabList{tabs: tabs}
}

func (l *TabList) Add(t Tab) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tabs = append(l.tabs, t)
}

func (l *TabList) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.tabs[:0]
	for _, t := range l.tabs {
		if t.ID() != id {
			kept = append(kept, t)
		}
	}
	l.tabs = kept
}

func (l *TabList) Tabs(ctx context.Context) ([]Tab, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Tab(nil), l.tabs...), nil
}

// MatchURL reports whether rawURL matches pattern. A pattern without a
// scheme separator is matched against the whole URL; otherwise scheme and
// host compare case-insensitively and the path is case-sensitive. "*"
// matches any run of characters and "<all_urls>" matches everything.
func MatchURL(pattern, rawURL string) bool {
	if pattern == "<all_urls>" || pattern == "*" {
		return true
	}
	ps, prest, pok := strings.Cut(pattern, "://")
	us, urest, uok := strings.Cut(rawURL, "://")
	if !pok || !uok {
		return wildcard(pattern, rawURL)
	}
	if !wildcard(strings.ToLower(ps), strings.ToLower(us)) {
		return false
	}
	phost, ppath := splitHost(prest)
	uhost, upath := splitHost(urest)
	phost, uhost = strings.ToLower(phost), strings.ToLower(uhost)
	// *.example.com covers example.com itself
	if !wildcard(phost, uhost) && !(strings.HasPrefix(phost, "*.") && phost[2:] == uhost) {
		return false
	}
	if ppath == "" {
		ppath = "/*"
	}
	if upath == "" {
		upath = "/"
	}
	return wildcard(ppath, upath)
}

func splitHost(rest string) (string, string) {
	i := strings.IndexByte(rest, '/')
	if i < 0 {
		return rest, ""
	}
	host, path := rest[:i], rest[i:]
	if u, err := url.PathUnescape(path); err == nil {
		path = u
	}
	return host, path
}

var globs sync.Map // pattern -> glob.Glob

// wildcard matches s against a pattern where '*' stands for any run of
// characters. Every other character is literal.
func wildcard(pattern, s string) bool {
	if g, ok := globs.Load(pattern); ok {
		return g.(glob.Glob).Match(s)
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = glob.QuoteMeta(part)
	}
	g, err := glob.Compile(strings.Join(parts, "*"))
	if err != nil {
		return false
	}
	globs.Store(pattern, g)
	return g.Match(s)
}
