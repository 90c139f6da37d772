// Package snapshot turns a live document into a tree of accessibility nodes
// whose references can be used later to act on the exact same elements.
package snapshot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/polzovatel/page-bridge/internal/dom"
)

const (
	// MarkerAttr carries the reference on the live element.
	MarkerAttr = "data-bridge-ref"

	refPrefix = "e"

	defaultMaxDepth      = 64
	defaultMaxNameLength = 80
)

// Options bound the walk.
type Options struct {
	MaxDepth      int
	MaxNameLength int
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = defaultMaxDepth
	}
	if o.MaxNameLength <= 0 {
		o.MaxNameLength = defaultMaxNameLength
	}
	return o
}

// Counter is the last reference number handed out.
type Counter uint64

func (c Counter) next() (string, Counter) {
	c++
	return refPrefix + strconv.FormatUint(uint64(c), 10), c
}

// ValidRef reports whether s looks like a reference token.
func ValidRef(s string) bool {
	if !strings.HasPrefix(s, refPrefix) || len(s) == len(refPrefix) {
		return false
	}
	_, err := strconv.ParseUint(s[len(refPrefix):], 10, 64)
	return err == nil
}

// Node is one entry of the accessibility tree.
type Node struct {
	Role     string  `json:"role"`
	Name     string  `json:"name,omitempty"`
	Ref      string  `json:"ref"`
	Cursor   string  `json:"cursor,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// Stats describe one walk.
type Stats struct {
	Nodes     int  `json:"nodes"`
	Visited   int  `json:"visited"`
	MaxDepth  int  `json:"maxDepth"`
	Truncated bool `json:"truncated"`
}

// Tree is the result of a walk. The root element itself is usually
// transparent, so a tree can have several top-level nodes.
type Tree struct {
	Nodes []*Node `json:"nodes"`
	Stats Stats   `json:"stats"`

	elements map[string]dom.Node
}

// Element returns the live element a reference was assigned to in this tree.
func (t Tree) Element(ref string) dom.Node {
	return t.elements[ref]
}

// Refs lists the references of the tree in document order.
func (t Tree) Refs() []string {
	var out []string
	t.each(func(n *Node, _ int) { out = append(out, n.Ref) })
	return out
}

// Find returns the node carrying ref, or nil.
func (t Tree) Find(ref string) *Node {
	var hit *Node
	t.each(func(n *Node, _ int) {
		if hit == nil && n.Ref == ref {
			hit = n
		}
	})
	return hit
}

// Len counts every node of the tree.
func (t Tree) Len() int {
	n := 0
	t.each(func(*Node, int) { n++ })
	return n
}

func (t Tree) each(fn func(*Node, int)) {
	var visit func([]*Node, int)
	visit = func(nodes []*Node, depth int) {
		for _, n := range nodes {
			fn(n, depth)
			visit(n.Children, depth+1)
		}
	}
	visit(t.Nodes, 0)
}

// String renders the indented outline consumed by the calling agent:
//
//	- button "Run" [ref=e3] [cursor=pointer]
func (t Tree) String() string {
	var b strings.Builder
	t.each(func(n *Node, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString("- ")
		b.WriteString(n.Role)
		if n.Name != "" {
			fmt.Fprintf(&b, " %s", quote(n.Name))
		}
		fmt.Fprintf(&b, " [ref=%s]", n.Ref)
		if n.Cursor != "" {
			fmt.Fprintf(&b, " [cursor=%s]", n.Cursor)
		}
		b.WriteByte('\n')
	})
	return b.String()
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

type walker struct {
	opts    Options
	idx     index
	counter Counter
	visited map[string]bool
	stats   Stats
	els     map[string]dom.Node
}

// Build walks the tree under root and assigns references starting after
// counter. It does not touch the document; the returned counter is the last
// reference handed out.
func Build(root dom.Node, counter Counter, opts Options) (Tree, Counter) {
	opts = opts.withDefaults()
	w := &walker{
		opts:    opts,
		idx:     buildIndex(root, opts.MaxDepth),
		counter: counter,
		visited: make(map[string]bool),
		els:     make(map[string]dom.Node),
	}
	nodes := w.walk(root, 0, nil, "")
	return Tree{Nodes: nodes, Stats: w.stats, elements: w.els}, w.counter
}

func (w *walker) walk(n dom.Node, depth int, label dom.Node, parentCursor string) []*Node {
	if n == nil {
		return nil
	}
	if depth > w.opts.MaxDepth {
		w.stats.Truncated = true
		return nil
	}
	if w.visited[n.Key()] {
		return nil
	}
	w.visited[n.Key()] = true
	w.stats.Visited++
	if depth > w.stats.MaxDepth {
		w.stats.MaxDepth = depth
	}

	style := n.ComputedStyle()
	if style.Display == "none" {
		// nothing below a display:none element renders
		return nil
	}

	keep := included(n, style, parentCursor) && !style.Hidden() && !n.BoundingBox().SubPixel()
	var node *Node
	if keep {
		var ref string
		ref, w.counter = w.counter.next()
		w.stats.Nodes++
		w.els[ref] = n
		node = &Node{
			Role: Role(n),
			Name: accessibleName(n, label, w.idx, w.opts.MaxNameLength),
			Ref:  ref,
		}
		if c := style.Cursor; c != "" && c != "auto" && c != "default" {
			node.Cursor = c
		}
	}

	var children []*Node
	childLabel := label
	if n.Tag() == "label" {
		childLabel = n
	}
	for _, c := range n.Children() {
		children = append(children, w.walk(c, depth+1, childLabel, style.Cursor)...)
	}
	for _, c := range n.ShadowChildren() {
		children = append(children, w.walk(c, depth+1, childLabel, style.Cursor)...)
	}

	if node == nil {
		return children
	}
	node.Children = children
	return []*Node{node}
}
