// Package dom is the narrow view of a live document that the snapshot engine
// and the page executor work against. A browser-backed page and the in-memory
// htmldom page both implement it.
package dom

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// ErrDetached is returned when an operation targets a node that is no longer
// part of the document.
var ErrDetached = errors.New("node is detached from the document")

// Rect is a rendered bounding box in viewport CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the geometric center of the box.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// SubPixel reports whether either dimension renders below one pixel.
func (r Rect) SubPixel() bool {
	return r.Width < 1 || r.Height < 1
}

// Contains reports whether the point lies inside the box.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

// Style is the subset of the computed style the bridge cares about.
// Empty fields mean the CSS initial value.
type Style struct {
	Display    string `json:"display,omitempty"`
	Visibility string `json:"visibility,omitempty"`
	Opacity    string `json:"opacity,omitempty"`
	Cursor     string `json:"cursor,omitempty"`
}

// Hidden reports whether the style keeps the element from being seen.
func (s Style) Hidden() bool {
	if s.Display == "none" {
		return true
	}
	if s.Visibility == "hidden" || s.Visibility == "collapse" {
		return true
	}
	if s.Opacity != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s.Opacity), 64); err == nil && v <= 0 {
			return true
		}
	}
	return false
}

// Child is either an element or a run of text, in document order.
type Child struct {
	Element Node
	Text    string
}

// Node is an element of the document.
type Node interface {
	// Key identifies the node within its page for as long as it is attached.
	Key() string
	// Tag is the lower-case tag name.
	Tag() string
	Attr(name string) (string, bool)
	Attributes() map[string]string
	// Contents lists element and text children in document order.
	Contents() []Child
	// Children lists element children of the light tree.
	Children() []Node
	// ShadowChildren lists the children of an open shadow root, if any.
	ShadowChildren() []Node
	// Text is the full text content, shadow trees excluded.
	Text() string
	BoundingBox() Rect
	ComputedStyle() Style
}

// Page is a live document plus the primitive mutations the executor needs.
type Page interface {
	URL() string
	Root(ctx context.Context) (Node, error)
	QuerySelectorAll(ctx context.Context, selector string) ([]Node, error)
	ElementFromPoint(ctx context.Context, x, y float64) (Node, error)
	// FindByAttribute searches the document and open shadow roots.
	FindByAttribute(ctx context.Context, name, value string) ([]Node, error)
	SetAttribute(ctx context.Context, n Node, name, value string) error
	RemoveAttribute(ctx context.Context, n Node, name string) error

	// Refresh re-reads geometry and style of n after layout may have moved.
	Refresh(ctx context.Context, n Node) (Node, error)
	ScrollIntoView(ctx context.Context, n Node) error
	DispatchMouse(ctx context.Context, n Node, eventType string, x, y float64) error
	// Activate runs the element's native activation behaviour (HTMLElement.click).
	Activate(ctx context.Context, n Node) error
	Focus(ctx context.Context, n Node) error
	// Value reads the value property of a form control.
	Value(ctx context.Context, n Node) (string, error)
	SetValue(ctx context.Context, n Node, value string) error
	SetTextContent(ctx context.Context, n Node, text string) error
	DispatchEvent(ctx context.Context, n Node, eventType string) error

	// Install loads the in-page runtime. Installing twice is a no-op.
	Install(ctx context.Context) error
	// Ready reports whether the in-page runtime is present.
	Ready(ctx context.Context) bool
}

// Capturer is implemented by pages that can render themselves.
type Capturer interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Value returns the attribute value or "".
func Value(n Node, name string) string {
	v, _ := n.Attr(name)
	return v
}

// Has reports whether the attribute is present.
func Has(n Node, name string) bool {
	_, ok := n.Attr(name)
	return ok
}

// Walk visits n and its light and shadow descendants depth-first.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children() {
		Walk(c, fn)
	}
	for _, c := range n.ShadowChildren() {
		Walk(c, fn)
	}
}
