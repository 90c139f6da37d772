package htmldom

import (
	"strconv"
	"strings"

	"github.com/gorilla/css/scanner"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/polzovatel/page-bridge/internal/dom"
)

// Element wraps a parsed element. The same *Element is returned for a node
// for as long as it stays in the document.
type Element struct {
	page *Page
	n    *html.Node
	key  string
}

var _ dom.Node = (*Element)(nil)

// elements the user agent stylesheet never renders
var uaHidden = map[atom.Atom]bool{
	atom.Head: true, atom.Script: true, atom.Style: true, atom.Template: true,
	atom.Meta: true, atom.Link: true, atom.Title: true, atom.Noscript: true,
}

func (e *Element) Key() string { return e.key }

func (e *Element) Tag() string { return strings.ToLower(e.n.Data) }

func (e *Element) Attr(name string) (string, bool) {
	e.page.mu.RLock()
	defer e.page.mu.RUnlock()
	return attr(e.n, name)
}

func (e *Element) Attributes() map[string]string {
	e.page.mu.RLock()
	defer e.page.mu.RUnlock()
	out := make(map[string]string, len(e.n.Attr))
	for _, a := range e.n.Attr {
		out[a.Key] = a.Val
	}
	return out
}

func (e *Element) Contents() []dom.Child {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	var out []dom.Child
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			out = append(out, dom.Child{Text: c.Data})
		case html.ElementNode:
			if isShadowRoot(c) {
				continue
			}
			out = append(out, dom.Child{Element: e.page.wrapLocked(c)})
		}
	}
	return out
}

func (e *Element) Children() []dom.Node {
	if e.n.DataAtom == atom.Template {
		// template contents are inert
		return nil
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	var out []dom.Node
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && !isShadowRoot(c) {
			out = append(out, e.page.wrapLocked(c))
		}
	}
	return out
}

func (e *Element) ShadowChildren() []dom.Node {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if !isOpenShadowRoot(c) {
			continue
		}
		var out []dom.Node
		for s := c.FirstChild; s != nil; s = s.NextSibling {
			if s.Type == html.ElementNode {
				out = append(out, e.page.wrapLocked(s))
			}
		}
		return out
	}
	return nil
}

func (e *Element) Text() string {
	e.page.mu.RLock()
	defer e.page.mu.RUnlock()
	return textOf(e.n)
}

func (e *Element) BoundingBox() dom.Rect {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.page.rectLocked(e.n)
}

func (e *Element) ComputedStyle() dom.Style {
	e.page.mu.RLock()
	defer e.page.mu.RUnlock()
	return e.page.styleLocked(e.n)
}

// Value is the current value property for form controls.
func (e *Element) Value() string {
	e.page.mu.RLock()
	defer e.page.mu.RUnlock()
	return valueLocked(e.page, e.n)
}

func (e *Element) String() string {
	return "<" + e.Tag() + " " + e.key + ">"
}

// parent skips the template that hosts a shadow tree, so shadow children
// inherit from their host.
func parent(n *html.Node) *html.Node {
	p := n.Parent
	if p != nil && isShadowRoot(p) {
		return p.Parent
	}
	return p
}

func (p *Page) styleLocked(n *html.Node) dom.Style {
	decl := inlineStyle(n)
	st := dom.Style{
		Display: decl["display"],
		Opacity: decl["opacity"],
	}
	if uaDisplayNone(n) {
		st.Display = "none"
	}
	// visibility and cursor inherit
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = parent(cur) {
		d := decl
		if cur != n {
			d = inlineStyle(cur)
		}
		if st.Visibility == "" {
			st.Visibility = d["visibility"]
		}
		if st.Cursor == "" {
			st.Cursor = d["cursor"]
			if st.Cursor == "" && (cur.DataAtom == atom.A || cur.DataAtom == atom.Area) && hasAttr(cur, "href") {
				st.Cursor = "pointer"
			}
		}
	}
	if st.Visibility == "" {
		st.Visibility = "visible"
	}
	if st.Cursor == "" {
		st.Cursor = "auto"
	}
	return st
}

func uaDisplayNone(n *html.Node) bool {
	if uaHidden[n.DataAtom] || hasAttr(n, "hidden") {
		return true
	}
	t, _ := attr(n, "type")
	return n.DataAtom == atom.Input && strings.EqualFold(t, "hidden")
}

func (p *Page) displayNoneLocked(n *html.Node) bool {
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = parent(cur) {
		if uaDisplayNone(cur) || inlineStyle(cur)["display"] == "none" {
			return true
		}
	}
	return false
}

// rectLocked lays elements out as rows in document order. Inline left, top,
// width and height in px override the synthetic box.
func (p *Page) rectLocked(n *html.Node) dom.Rect {
	if p.displayNoneLocked(n) {
		return dom.Rect{}
	}
	decl := inlineStyle(n)
	r := dom.Rect{
		Y:      float64(p.orderLocked(n) * rowHeight),
		Width:  defaultWidth,
		Height: rowHeight,
	}
	if v, ok := px(decl["left"]); ok {
		r.X = v
	}
	if v, ok := px(decl["top"]); ok {
		r.Y = v
	}
	if v, ok := px(decl["width"]); ok {
		r.Width = v
	}
	if v, ok := px(decl["height"]); ok {
		r.Height = v
	}
	return r
}

func (p *Page) orderLocked(n *html.Node) int {
	if p.dirty || p.order == nil {
		p.order = make(map[*html.Node]int)
		i := 0
		var visit func(*html.Node)
		visit = func(cur *html.Node) {
			for c := cur.FirstChild; c != nil; c = c.NextSibling {
				if c.Type != html.ElementNode {
					continue
				}
				p.order[c] = i
				i++
				visit(c)
			}
		}
		visit(p.doc)
		p.dirty = false
	}
	return p.order[n]
}

// inlineStyle reads the declarations of the style attribute. Values are
// lowercased with !important dropped. Semicolons inside strings, url() and
// other functions do not end a declaration.
func inlineStyle(n *html.Node) map[string]string {
	raw, ok := attr(n, "style")
	if !ok {
		return nil
	}
	const (
		expectName = iota
		expectColon
		inValue
		skipping
	)
	out := make(map[string]string)
	var (
		state = expectName
		prop  string
		value strings.Builder
		depth int
	)
	flush := func() {
		v := strings.TrimSpace(value.String())
		v = strings.TrimSpace(strings.TrimSuffix(v, "!important"))
		out[prop] = strings.ToLower(v)
	}
	reset := func() {
		state, prop, depth = expectName, "", 0
		value.Reset()
	}

	sc := scanner.New(raw)
	for {
		tok := sc.Next()
		switch tok.Type {
		case scanner.TokenEOF:
			if state == inValue {
				flush()
			}
			return out
		case scanner.TokenError:
			return out
		case scanner.TokenComment:
			continue
		}
		semicolon := tok.Type == scanner.TokenChar && tok.Value == ";"

		switch state {
		case expectName:
			switch {
			case tok.Type == scanner.TokenIdent:
				prop, state = strings.ToLower(tok.Value), expectColon
			case tok.Type == scanner.TokenS, semicolon:
			default:
				state = skipping
			}
		case expectColon:
			switch {
			case tok.Type == scanner.TokenChar && tok.Value == ":":
				state = inValue
			case tok.Type == scanner.TokenS:
			case semicolon:
				reset()
			default:
				state = skipping
			}
		case inValue:
			switch {
			case semicolon && depth == 0:
				flush()
				reset()
			case tok.Type == scanner.TokenS:
				value.WriteByte(' ')
			case tok.Type == scanner.TokenFunction, tok.Type == scanner.TokenChar && tok.Value == "(":
				depth++
				value.WriteString(tok.Value)
			case tok.Type == scanner.TokenChar && tok.Value == ")":
				if depth > 0 {
					depth--
				}
				value.WriteString(tok.Value)
			default:
				value.WriteString(tok.Value)
			}
		case skipping:
			if semicolon {
				reset()
			}
		}
	}
}

func px(v string) (float64, bool) {
	v = strings.TrimSpace(strings.TrimSuffix(v, "px"))
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
