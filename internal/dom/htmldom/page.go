// Package htmldom is an in-memory dom.Page built from static HTML. It has no
// script engine and a synthetic layout, which is enough to drive the snapshot
// engine and the executor without a browser.
package htmldom

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/polzovatel/page-bridge/internal/dom"
)

const (
	rowHeight    = 20
	defaultWidth = 200
)

// Event is a DOM event observed on the page.
type Event struct {
	Type   string
	Target string
	X, Y   float64
}

// Listener receives events dispatched on a node or bubbled from its subtree.
type Listener func(Event)

// Page is a parsed document. It is safe for concurrent use.
type Page struct {
	mu     sync.RWMutex
	url    string
	source string

	doc      *html.Node
	wrappers map[*html.Node]*Element
	keys     map[string]*html.Node
	seq      int
	order    map[*html.Node]int
	dirty    bool

	values    map[*html.Node]string
	listeners map[*html.Node]map[string][]Listener
	events    []Event
	navigated []string
	submitted []string
	scrolled  int
	focused   *html.Node
	installed int
	ready     bool
}

var _ dom.Page = (*Page)(nil)

// New parses source into a page served at url.
func New(source, url string) (*Page, error) {
	p := &Page{url: url, source: source}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads an HTML file from disk.
func Load(path string) (*Page, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	return New(string(raw), "file://"+path)
}

func (p *Page) load() error {
	doc, err := html.Parse(strings.NewReader(p.source))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	p.doc = doc
	p.wrappers = make(map[*html.Node]*Element)
	p.keys = make(map[string]*html.Node)
	p.values = make(map[*html.Node]string)
	p.listeners = make(map[*html.Node]map[string][]Listener)
	p.focused = nil
	p.dirty = true
	return nil
}

// Reload re-parses the original source, as a navigation to the same URL
// would: every node, marker and installed runtime is gone afterwards.
func (p *Page) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	return p.load()
}

func (p *Page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

func (p *Page) Install(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}
	p.ready = true
	p.installed++
	return nil
}

func (p *Page) Ready(ctx context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// Installs counts how many times the runtime was actually loaded.
func (p *Page) Installs() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.installed
}

func (p *Page) Root(ctx context.Context) (dom.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := p.doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return p.wrapLocked(c), nil
		}
	}
	return nil, fmt.Errorf("document has no root element")
}

func (p *Page) QuerySelectorAll(ctx context.Context, selector string) ([]dom.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []dom.Node
	for _, n := range sel.MatchAll(p.doc) {
		// querySelectorAll does not pierce shadow roots or inert templates
		if insideTemplate(n) {
			continue
		}
		out = append(out, p.wrapLocked(n))
	}
	return out, nil
}

// Query returns the first light-tree match for selector, or nil.
func (p *Page) Query(selector string) *Element {
	nodes, err := p.QuerySelectorAll(context.Background(), selector)
	if err != nil || len(nodes) == 0 {
		return nil
	}
	return nodes[0].(*Element)
}

func (p *Page) ElementFromPoint(ctx context.Context, x, y float64) (dom.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var hit *html.Node
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || c.DataAtom == atom.Template {
				continue
			}
			if !p.styleLocked(c).Hidden() && p.rectLocked(c).Contains(x, y) {
				hit = c
			}
			visit(c)
		}
	}
	visit(p.doc)
	if hit == nil {
		return nil, nil
	}
	return p.wrapLocked(hit), nil
}

func (p *Page) FindByAttribute(ctx context.Context, name, value string) ([]dom.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []dom.Node
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.DataAtom == atom.Template && !isOpenShadowRoot(c) {
				continue
			}
			if v, ok := attr(c, name); ok && v == value {
				out = append(out, p.wrapLocked(c))
			}
			visit(c)
		}
	}
	visit(p.doc)
	return out, nil
}

func (p *Page) SetAttribute(ctx context.Context, n dom.Node, name, value string) error {
	hn, err := p.resolve(n)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range hn.Attr {
		if hn.Attr[i].Key == name {
			hn.Attr[i].Val = value
			return nil
		}
	}
	hn.Attr = append(hn.Attr, html.Attribute{Key: name, Val: value})
	return nil
}

func (p *Page) RemoveAttribute(ctx context.Context, n dom.Node, name string) error {
	hn, err := p.resolve(n)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := hn.Attr[:0]
	for _, a := range hn.Attr {
		if a.Key != name {
			kept = append(kept, a)
		}
	}
	hn.Attr = kept
	return nil
}

func (p *Page) Refresh(ctx context.Context, n dom.Node) (dom.Node, error) {
	hn, err := p.resolve(n)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrapLocked(hn), nil
}

func (p *Page) ScrollIntoView(ctx context.Context, n dom.Node) error {
	if _, err := p.resolve(n); err != nil {
		return err
	}
	p.mu.Lock()
	p.scrolled++
	p.mu.Unlock()
	return nil
}

func (p *Page) DispatchMouse(ctx context.Context, n dom.Node, eventType string, x, y float64) error {
	hn, err := p.resolve(n)
	if err != nil {
		return err
	}
	p.dispatch(hn, Event{Type: eventType, Target: n.Key(), X: x, Y: y})
	return nil
}

func (p *Page) DispatchEvent(ctx context.Context, n dom.Node, eventType string) error {
	hn, err := p.resolve(n)
	if err != nil {
		return err
	}
	p.dispatch(hn, Event{Type: eventType, Target: n.Key()})
	return nil
}

// Activate performs the default action of the element without firing another
// click event: links navigate, submit buttons submit their form, checkable
// inputs toggle.
func (p *Page) Activate(ctx context.Context, n dom.Node) error {
	hn, err := p.resolve(n)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch hn.DataAtom {
	case atom.A, atom.Area:
		if href, ok := attr(hn, "href"); ok {
			p.navigated = append(p.navigated, href)
		}
	case atom.Button:
		if t, _ := attr(hn, "type"); t == "" || strings.EqualFold(t, "submit") {
			p.submitLocked(hn)
		}
	case atom.Input:
		switch t, _ := attr(hn, "type"); strings.ToLower(t) {
		case "submit", "image":
			p.submitLocked(hn)
		case "checkbox":
			if hasAttr(hn, "checked") {
				removeAttr(hn, "checked")
			} else {
				hn.Attr = append(hn.Attr, html.Attribute{Key: "checked"})
			}
		case "radio":
			p.checkRadioLocked(hn)
		}
	}
	return nil
}

// checkRadioLocked checks hn and unchecks the other radios of its group: same
// name, same form owner. An unnamed radio is a group of its own.
func (p *Page) checkRadioLocked(hn *html.Node) {
	if !hasAttr(hn, "checked") {
		hn.Attr = append(hn.Attr, html.Attribute{Key: "checked"})
	}
	name, _ := attr(hn, "name")
	if name == "" {
		return
	}
	owner := formOf(hn)
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c != hn && c.DataAtom == atom.Input && formOf(c) == owner {
				t, _ := attr(c, "type")
				other, _ := attr(c, "name")
				if strings.EqualFold(t, "radio") && other == name {
					removeAttr(c, "checked")
				}
			}
			visit(c)
		}
	}
	visit(p.doc)
}

func formOf(hn *html.Node) *html.Node {
	for cur := hn.Parent; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && cur.DataAtom == atom.Form {
			return cur
		}
	}
	return nil
}

func (p *Page) submitLocked(hn *html.Node) {
	for cur := hn.Parent; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && cur.DataAtom == atom.Form {
			id, _ := attr(cur, "id")
			p.submitted = append(p.submitted, id)
			return
		}
	}
}

func (p *Page) Focus(ctx context.Context, n dom.Node) error {
	hn, err := p.resolve(n)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.focused = hn
	p.mu.Unlock()
	p.dispatch(hn, Event{Type: "focus", Target: n.Key()})
	return nil
}

func (p *Page) SetValue(ctx context.Context, n dom.Node, value string) error {
	hn, err := p.resolve(n)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[hn] = value
	return nil
}

func (p *Page) SetTextContent(ctx context.Context, n dom.Node, text string) error {
	hn, err := p.resolve(n)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := hn.FirstChild; c != nil; {
		next := c.NextSibling
		hn.RemoveChild(c)
		c = next
	}
	hn.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	p.dirty = true
	return nil
}

// Remove detaches the node from the document, as a re-render would.
func (p *Page) Remove(n dom.Node) error {
	hn, err := p.resolve(n)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	hn.Parent.RemoveChild(hn)
	p.dirty = true
	return nil
}

// On registers a listener for eventType on n.
func (p *Page) On(n dom.Node, eventType string, fn Listener) error {
	hn, err := p.resolve(n)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listeners[hn] == nil {
		p.listeners[hn] = make(map[string][]Listener)
	}
	p.listeners[hn][eventType] = append(p.listeners[hn][eventType], fn)
	return nil
}

// Events returns the events dispatched on the node with the given key.
func (p *Page) Events(key string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Event
	for _, e := range p.events {
		if e.Target == key {
			out = append(out, e)
		}
	}
	return out
}

// AllEvents returns every dispatched event in order.
func (p *Page) AllEvents() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Event(nil), p.events...)
}

func (p *Page) Value(ctx context.Context, n dom.Node) (string, error) {
	hn, err := p.resolve(n)
	if err != nil {
		return "", err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return valueLocked(p, hn), nil
}

func valueLocked(p *Page, hn *html.Node) string {
	if v, ok := p.values[hn]; ok {
		return v
	}
	if hn.DataAtom == atom.Textarea {
		return textOf(hn)
	}
	v, _ := attr(hn, "value")
	return v
}

// Navigations lists hrefs followed by native activation.
func (p *Page) Navigations() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.navigated...)
}

// Submissions lists ids of forms submitted by native activation.
func (p *Page) Submissions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.submitted...)
}

// Focused returns the key of the focused element, or "".
func (p *Page) Focused() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.focused == nil {
		return ""
	}
	return p.wrapLocked(p.focused).Key()
}

// Scrolls counts scrollIntoView calls.
func (p *Page) Scrolls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scrolled
}

func (p *Page) dispatch(hn *html.Node, ev Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	var calls []Listener
	for cur := hn; cur != nil; cur = cur.Parent {
		calls = append(calls, p.listeners[cur][ev.Type]...)
	}
	p.mu.Unlock()
	for _, fn := range calls {
		fn(ev)
	}
}

func (p *Page) resolve(n dom.Node) (*html.Node, error) {
	if n == nil {
		return nil, dom.ErrDetached
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	hn, ok := p.keys[n.Key()]
	if !ok || !attached(p.doc, hn) {
		return nil, dom.ErrDetached
	}
	return hn, nil
}

func (p *Page) wrapLocked(n *html.Node) *Element {
	if el, ok := p.wrappers[n]; ok {
		return el
	}
	p.seq++
	el := &Element{page: p, n: n, key: fmt.Sprintf("n%d", p.seq)}
	p.wrappers[n] = el
	p.keys[el.key] = n
	return el
}

func attached(doc, n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == doc {
			return true
		}
	}
	return false
}

func insideTemplate(n *html.Node) bool {
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && cur.DataAtom == atom.Template {
			return true
		}
	}
	return false
}

func isOpenShadowRoot(n *html.Node) bool {
	if n.Type != html.ElementNode || n.DataAtom != atom.Template {
		return false
	}
	mode, ok := attr(n, "shadowrootmode")
	if !ok {
		mode, ok = attr(n, "shadowroot")
	}
	return ok && strings.EqualFold(mode, "open")
}

func isShadowRoot(n *html.Node) bool {
	if n.Type != html.ElementNode || n.DataAtom != atom.Template {
		return false
	}
	return hasAttr(n, "shadowrootmode") || hasAttr(n, "shadowroot")
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func hasAttr(n *html.Node, name string) bool {
	_, ok := attr(n, name)
	return ok
}

func removeAttr(n *html.Node, name string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != name {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				b.WriteString(c.Data)
			case html.ElementNode:
				if c.DataAtom == atom.Script || c.DataAtom == atom.Style || isShadowRoot(c) {
					continue
				}
				visit(c)
			}
		}
	}
	visit(n)
	return b.String()
}
