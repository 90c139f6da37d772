package snapshot

import (
	"strings"

	"github.com/polzovatel/page-bridge/internal/dom"
)

// index holds the document lookups the name computation needs.
type index struct {
	byID      map[string]dom.Node
	labelsFor map[string][]dom.Node
}

func buildIndex(root dom.Node, maxDepth int) index {
	idx := index{byID: make(map[string]dom.Node), labelsFor: make(map[string][]dom.Node)}
	seen := make(map[string]bool)
	var visit func(n dom.Node, depth int)
	visit = func(n dom.Node, depth int) {
		if n == nil || depth > maxDepth || seen[n.Key()] {
			return
		}
		seen[n.Key()] = true
		if id := dom.Value(n, "id"); id != "" {
			if _, dup := idx.byID[id]; !dup {
				idx.byID[id] = n
			}
		}
		if n.Tag() == "label" {
			if target := dom.Value(n, "for"); target != "" {
				idx.labelsFor[target] = append(idx.labelsFor[target], n)
			}
		}
		for _, c := range n.Children() {
			visit(c, depth+1)
		}
		for _, c := range n.ShadowChildren() {
			visit(c, depth+1)
		}
	}
	visit(root, 0)
	return idx
}

// accessibleName runs the priority chain; the first non-empty step wins.
// label is the nearest enclosing <label>, or nil.
func accessibleName(n dom.Node, label dom.Node, idx index, maxLen int) string {
	if v := collapse(dom.Value(n, "aria-label")); v != "" {
		return v
	}
	if ids := strings.Fields(dom.Value(n, "aria-labelledby")); len(ids) > 0 {
		var parts []string
		for _, id := range ids {
			if ref, ok := idx.byID[id]; ok {
				if t := collapse(ref.Text()); t != "" {
					parts = append(parts, t)
				}
			}
		}
		if v := strings.Join(parts, " "); v != "" {
			return v
		}
	}
	tag := n.Tag()
	if labelableTags[tag] {
		if v := labelText(n, label, idx); v != "" {
			return v
		}
	}
	if tag == "input" || tag == "textarea" {
		if v := collapse(dom.Value(n, "placeholder")); v != "" {
			return v
		}
	}
	if tag == "input" {
		switch strings.ToLower(dom.Value(n, "type")) {
		case "button", "submit", "reset":
			if v := collapse(dom.Value(n, "value")); v != "" {
				return v
			}
		}
	}
	if v := collapse(dom.Value(n, "title")); v != "" {
		return v
	}
	if tag == "img" || tag == "area" || (tag == "input" && strings.EqualFold(dom.Value(n, "type"), "image")) {
		if v := collapse(dom.Value(n, "alt")); v != "" {
			return v
		}
	}
	if tag == "input" || tag == "select" || tag == "textarea" {
		// form control text is its value, not a label
		return ""
	}
	if v := ownText(n); v != "" && len([]rune(v)) <= maxLen {
		return v
	}
	return ""
}

func labelText(n dom.Node, ancestor dom.Node, idx index) string {
	if id := dom.Value(n, "id"); id != "" {
		for _, l := range idx.labelsFor[id] {
			if v := ownText(l); v != "" {
				return v
			}
		}
	}
	if ancestor != nil {
		return ownText(ancestor)
	}
	return ""
}

// ownText is the visible text of n without the text of nested interactive
// descendants, so a container never absorbs a child control's label.
func ownText(n dom.Node) string {
	var b strings.Builder
	var visit func(dom.Node)
	visit = func(cur dom.Node) {
		for _, c := range cur.Contents() {
			if c.Element == nil {
				b.WriteString(c.Text)
				continue
			}
			if interactive(c.Element) || c.Element.ComputedStyle().Display == "none" {
				continue
			}
			block := !inlineTags[c.Element.Tag()]
			if block {
				b.WriteByte(' ')
			}
			visit(c.Element)
			if block {
				b.WriteByte(' ')
			}
		}
	}
	visit(n)
	return collapse(b.String())
}

var inlineTags = map[string]bool{
	"abbr": true, "b": true, "bdi": true, "cite": true, "code": true, "em": true,
	"i": true, "kbd": true, "mark": true, "q": true, "s": true, "small": true,
	"span": true, "strong": true, "sub": true, "sup": true, "time": true, "u": true,
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
