package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/polzovatel/page-bridge/internal/dom"
	"github.com/polzovatel/page-bridge/internal/snapshot"
)

// rootDepth bounds the tree captured in one evaluation.
const rootDepth = 128

// Page drives a playwright page through the in-page runtime.
type Page struct {
	page playwright.Page
}

var (
	_ dom.Page              = (*Page)(nil)
	_ dom.Capturer          = (*Page)(nil)
	_ snapshot.MarkerWriter = (*Page)(nil)
)

func NewPage(p playwright.Page) *Page {
	return &Page{page: p}
}

func (p *Page) URL() string {
	return p.page.URL()
}

func (p *Page) Install(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Evaluate(runtimeScript)
	return wrap(err)
}

func (p *Page) Ready(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	v, err := p.page.Evaluate(readyScript)
	if err != nil {
		return false
	}
	ok, _ := v.(bool)
	return ok
}

func (p *Page) Root(ctx context.Context) (dom.Node, error) {
	var w wireNode
	if err := p.eval(ctx, &w, rootScript, rootDepth); err != nil {
		return nil, err
	}
	return &node{w: &w}, nil
}

func (p *Page) QuerySelectorAll(ctx context.Context, selector string) ([]dom.Node, error) {
	var ws []*wireNode
	if err := p.eval(ctx, &ws, queryScript, selector); err != nil {
		return nil, err
	}
	return nodes(ws), nil
}

func (p *Page) ElementFromPoint(ctx context.Context, x, y float64) (dom.Node, error) {
	var w *wireNode
	if err := p.eval(ctx, &w, fromPointScript, []any{x, y}); err != nil {
		return nil, err
	}
	if w == nil {
		return nil, nil
	}
	return &node{w: w}, nil
}

func (p *Page) FindByAttribute(ctx context.Context, name, value string) ([]dom.Node, error) {
	var ws []*wireNode
	if err := p.eval(ctx, &ws, findByAttrScript, []any{name, value}); err != nil {
		return nil, err
	}
	return nodes(ws), nil
}

// ApplyMarkers clears every marker and attaches the new ones in one round trip.
func (p *Page) ApplyMarkers(ctx context.Context, attr string, marks map[string]dom.Node) error {
	byKey := make(map[string]string, len(marks))
	for ref, n := range marks {
		byKey[ref] = n.Key()
	}
	var ok bool
	return p.eval(ctx, &ok, markersScript, []any{attr, byKey})
}

func (p *Page) Refresh(ctx context.Context, n dom.Node) (dom.Node, error) {
	var w *wireNode
	if err := p.eval(ctx, &w, describeScript, n.Key()); err != nil {
		return nil, err
	}
	if w == nil {
		return nil, dom.ErrDetached
	}
	return &node{w: w}, nil
}

func (p *Page) SetAttribute(ctx context.Context, n dom.Node, name, value string) error {
	return p.act(ctx, n, "setAttr", name, value)
}

func (p *Page) RemoveAttribute(ctx context.Context, n dom.Node, name string) error {
	return p.act(ctx, n, "removeAttr", name)
}

func (p *Page) ScrollIntoView(ctx context.Context, n dom.Node) error {
	return p.act(ctx, n, "scroll")
}

func (p *Page) DispatchMouse(ctx context.Context, n dom.Node, eventType string, x, y float64) error {
	return p.act(ctx, n, "mouse", eventType, x, y)
}

func (p *Page) Activate(ctx context.Context, n dom.Node) error {
	return p.act(ctx, n, "activate")
}

func (p *Page) Focus(ctx context.Context, n dom.Node) error {
	return p.act(ctx, n, "focus")
}

func (p *Page) Value(ctx context.Context, n dom.Node) (string, error) {
	var out struct {
		OK    bool   `json:"ok"`
		Value string `json:"value"`
	}
	if err := p.eval(ctx, &out, valueScript, n.Key()); err != nil {
		return "", err
	}
	if !out.OK {
		return "", dom.ErrDetached
	}
	return out.Value, nil
}

func (p *Page) SetValue(ctx context.Context, n dom.Node, value string) error {
	return p.act(ctx, n, "setValue", value)
}

func (p *Page) SetTextContent(ctx context.Context, n dom.Node, text string) error {
	return p.act(ctx, n, "setText", text)
}

func (p *Page) DispatchEvent(ctx context.Context, n dom.Node, eventType string) error {
	return p.act(ctx, n, "event", eventType)
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	png, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		Type: playwright.ScreenshotTypePng,
	})
	return png, wrap(err)
}

func (p *Page) act(ctx context.Context, n dom.Node, op string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	var ok bool
	if err := p.eval(ctx, &ok, actScript, []any{n.Key(), op, args}); err != nil {
		return err
	}
	if !ok {
		return dom.ErrDetached
	}
	return nil
}

func (p *Page) eval(ctx context.Context, out any, script string, arg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := p.page.Evaluate(script, arg)
	if err != nil {
		return wrap(err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode evaluation result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode evaluation result: %w", err)
	}
	return nil
}

type wireChild struct {
	El   *wireNode `json:"el,omitempty"`
	Text string    `json:"text,omitempty"`
}

type wireNode struct {
	Key      string            `json:"key"`
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs"`
	Rect     dom.Rect          `json:"rect"`
	Style    dom.Style         `json:"style"`
	Deep     bool              `json:"deep"`
	Text     string            `json:"text,omitempty"`
	Contents []wireChild       `json:"contents,omitempty"`
	Shadow   []*wireNode       `json:"shadow,omitempty"`
}

// node is a copy of an element taken during one evaluation. Only nodes
// captured by Root carry their subtree.
type node struct {
	w *wireNode
}

func nodes(ws []*wireNode) []dom.Node {
	out := make([]dom.Node, 0, len(ws))
	for _, w := range ws {
		out = append(out, &node{w: w})
	}
	return out
}

func (n *node) Key() string { return n.w.Key }
func (n *node) Tag() string { return n.w.Tag }

func (n *node) Attr(name string) (string, bool) {
	v, ok := n.w.Attrs[name]
	return v, ok
}

func (n *node) Attributes() map[string]string {
	out := make(map[string]string, len(n.w.Attrs))
	for k, v := range n.w.Attrs {
		out[k] = v
	}
	return out
}

func (n *node) Contents() []dom.Child {
	out := make([]dom.Child, 0, len(n.w.Contents))
	for _, c := range n.w.Contents {
		if c.El != nil {
			out = append(out, dom.Child{Element: &node{w: c.El}})
		} else {
			out = append(out, dom.Child{Text: c.Text})
		}
	}
	return out
}

func (n *node) Children() []dom.Node {
	var out []dom.Node
	for _, c := range n.w.Contents {
		if c.El != nil {
			out = append(out, &node{w: c.El})
		}
	}
	return out
}

func (n *node) ShadowChildren() []dom.Node {
	return nodes(n.w.Shadow)
}

func (n *node) Text() string {
	if !n.w.Deep {
		return n.w.Text
	}
	var b strings.Builder
	var visit func(w *wireNode)
	visit = func(w *wireNode) {
		for _, c := range w.Contents {
			if c.El != nil {
				visit(c.El)
			} else {
				b.WriteString(c.Text)
			}
		}
	}
	visit(n.w)
	return b.String()
}

func (n *node) BoundingBox() dom.Rect   { return n.w.Rect }
func (n *node) ComputedStyle() dom.Style { return n.w.Style }
