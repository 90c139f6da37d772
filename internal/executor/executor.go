// Package executor acts on the document of a single tab: it locates elements,
// checks that they can be acted on and synthesizes the events a user would
// produce.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/dom"
	"github.com/polzovatel/page-bridge/internal/snapshot"
)

const (
	defaultLimit   = 10
	maxLimit       = 100
	maxElementText = 200
)

// ClickResult reports where the click landed.
type ClickResult struct {
	Tag string  `json:"tag"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
}

// TypeResult reports the value of the field after typing.
type TypeResult struct {
	Tag   string `json:"tag"`
	Value string `json:"value"`
}

// ElementInfo describes one element matched by getElement.
type ElementInfo struct {
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes"`
	Text       string            `json:"text"`
	Visible    bool              `json:"visible"`
	Enabled    bool              `json:"enabled"`
	Rect       dom.Rect          `json:"rect"`
	Ref        string            `json:"ref,omitempty"`
}

// ElementsResult is the bounded list returned by getElement.
type ElementsResult struct {
	Elements []ElementInfo `json:"elements"`
	Total    int           `json:"total"`
}

// SnapshotResult is the serialized accessibility tree of the page.
type SnapshotResult struct {
	URL     string           `json:"url"`
	Outline string           `json:"outline"`
	Nodes   []*snapshot.Node `json:"nodes"`
	Stats   snapshot.Stats   `json:"stats"`
}

// Executor runs commands against one page.
type Executor struct {
	page   dom.Page
	engine *snapshot.Engine
	logger zerolog.Logger
}

func New(page dom.Page, engine *snapshot.Engine, logger zerolog.Logger) *Executor {
	return &Executor{page: page, engine: engine, logger: logger}
}

func (e *Executor) Page() dom.Page {
	return e.page
}

// Execute runs cmd under its deadline and never panics.
func (e *Executor) Execute(ctx context.Context, cmd bridge.Command) (res bridge.Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = bridge.Fail(cmd.RequestID, bridge.Errorf(bridge.KindTransport, "executor panic: %v", r))
		}
		ev := e.logger.Debug()
		if !res.Success {
			ev = e.logger.Warn().Str("kind", string(bridge.KindOf(res.Err())))
		}
		ev.Str("verb", string(cmd.Verb)).
			Str("target", cmd.Target.String()).
			Str("request_id", cmd.RequestID).
			Dur("took", time.Since(start)).
			Msg("command")
	}()

	if err := cmd.Validate(); err != nil {
		return bridge.Fail(cmd.RequestID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, cmd.Timeout())
	defer cancel()

	v, err := e.run(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil && bridge.AsError(err).Kind == bridge.KindTransport {
			err = bridge.Wrap(bridge.KindTimeout, err, fmt.Sprintf("%s did not finish within %s", cmd.Verb, cmd.Timeout()))
		}
		return bridge.Fail(cmd.RequestID, err)
	}
	return bridge.OK(cmd.RequestID, v)
}

func (e *Executor) run(ctx context.Context, cmd bridge.Command) (any, error) {
	switch cmd.Verb {
	case bridge.VerbClick:
		return e.Click(ctx, cmd.Target)
	case bridge.VerbType:
		return e.Type(ctx, cmd.Target, cmd.Payload.Text, cmd.Payload.Append)
	case bridge.VerbHover:
		return nil, e.Hover(ctx, cmd.Target)
	case bridge.VerbGetElement:
		return e.GetElements(ctx, cmd.Target, cmd.Payload.Limit)
	case bridge.VerbSnapshot:
		return e.Snapshot(ctx)
	case bridge.VerbScreenshot:
		return e.Screenshot(ctx)
	default:
		return nil, bridge.Errorf(bridge.KindInvalidCommand, "unknown verb %q", cmd.Verb)
	}
}

// Click scrolls the element into view and clicks its center.
func (e *Executor) Click(ctx context.Context, target bridge.Target) (ClickResult, error) {
	n, err := e.locate(ctx, target)
	if err != nil {
		return ClickResult{}, err
	}
	if err := checkVisible(n); err != nil {
		return ClickResult{}, err
	}
	if err := checkEnabled(n); err != nil {
		return ClickResult{}, err
	}
	if err := e.page.ScrollIntoView(ctx, n); err != nil {
		return ClickResult{}, e.fail(target, err, "scroll into view")
	}
	// layout may have moved while scrolling
	n, err = e.page.Refresh(ctx, n)
	if err != nil {
		return ClickResult{}, e.fail(target, err, "read box")
	}
	if err := checkVisible(n); err != nil {
		return ClickResult{}, err
	}
	x, y := n.BoundingBox().Center()
	for _, typ := range []string{"mousedown", "mouseup", "click"} {
		if err := e.page.DispatchMouse(ctx, n, typ, x, y); err != nil {
			return ClickResult{}, e.fail(target, err, typ)
		}
	}
	if err := e.page.Activate(ctx, n); err != nil {
		return ClickResult{}, e.fail(target, err, "activate")
	}
	return ClickResult{Tag: n.Tag(), X: x, Y: y}, nil
}

// Hover moves the pointer onto the element center.
func (e *Executor) Hover(ctx context.Context, target bridge.Target) error {
	n, err := e.locate(ctx, target)
	if err != nil {
		return err
	}
	if err := checkVisible(n); err != nil {
		return err
	}
	if err := e.page.ScrollIntoView(ctx, n); err != nil {
		return e.fail(target, err, "scroll into view")
	}
	n, err = e.page.Refresh(ctx, n)
	if err != nil {
		return e.fail(target, err, "read box")
	}
	x, y := n.BoundingBox().Center()
	for _, typ := range []string{"mouseover", "mouseenter", "mousemove"} {
		if err := e.page.DispatchMouse(ctx, n, typ, x, y); err != nil {
			return e.fail(target, err, typ)
		}
	}
	return nil
}

// Type writes text into a form field or an editable region.
func (e *Executor) Type(ctx context.Context, target bridge.Target, text string, appendText bool) (TypeResult, error) {
	n, err := e.locate(ctx, target)
	if err != nil {
		return TypeResult{}, err
	}
	kind := editKind(n)
	if kind == notEditable {
		return TypeResult{}, bridge.Errorf(bridge.KindUnsupported, "cannot type into <%s>", describe(n))
	}
	if err := checkVisible(n); err != nil {
		return TypeResult{}, err
	}
	if err := checkEnabled(n); err != nil {
		return TypeResult{}, err
	}
	if dom.Has(n, "readonly") {
		return TypeResult{}, bridge.Errorf(bridge.KindNotInteractable, "<%s> is read-only", n.Tag())
	}

	if err := e.page.Focus(ctx, n); err != nil {
		return TypeResult{}, e.fail(target, err, "focus")
	}
	var value string
	switch kind {
	case formField:
		value = text
		if appendText {
			cur, err := e.page.Value(ctx, n)
			if err != nil {
				return TypeResult{}, e.fail(target, err, "read value")
			}
			value = cur + text
		}
		if err := e.page.SetValue(ctx, n, value); err != nil {
			return TypeResult{}, e.fail(target, err, "set value")
		}
		for _, typ := range []string{"input", "change"} {
			if err := e.page.DispatchEvent(ctx, n, typ); err != nil {
				return TypeResult{}, e.fail(target, err, typ)
			}
		}
	case editableRegion:
		value = text
		if appendText {
			value = n.Text() + text
		}
		if err := e.page.SetTextContent(ctx, n, value); err != nil {
			return TypeResult{}, e.fail(target, err, "set text")
		}
		if err := e.page.DispatchEvent(ctx, n, "input"); err != nil {
			return TypeResult{}, e.fail(target, err, "input")
		}
	}
	return TypeResult{Tag: n.Tag(), Value: value}, nil
}

// GetElements lists up to limit elements matching the target.
func (e *Executor) GetElements(ctx context.Context, target bridge.Target, limit int) (ElementsResult, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	var nodes []dom.Node
	if target.Ref != "" {
		n, err := snapshot.Resolve(ctx, e.page, target.Ref)
		if err != nil {
			return ElementsResult{}, err
		}
		nodes = []dom.Node{n}
	} else {
		found, err := e.page.QuerySelectorAll(ctx, target.Selector)
		if err != nil {
			return ElementsResult{}, bridge.Wrap(bridge.KindInvalidCommand, err, "query "+target.Selector)
		}
		nodes = found
	}
	if len(nodes) == 0 {
		return ElementsResult{}, bridge.Errorf(bridge.KindElementNotFound, "no element matches %s", target)
	}
	out := ElementsResult{Total: len(nodes)}
	for i, n := range nodes {
		if i == limit {
			break
		}
		out.Elements = append(out.Elements, describeElement(n))
	}
	return out, nil
}

// Snapshot captures the accessibility tree and attaches fresh references.
func (e *Executor) Snapshot(ctx context.Context) (SnapshotResult, error) {
	tree, err := e.engine.Capture(ctx, e.page)
	if err != nil {
		return SnapshotResult{}, err
	}
	return SnapshotResult{
		URL:     e.page.URL(),
		Outline: tree.String(),
		Nodes:   tree.Nodes,
		Stats:   tree.Stats,
	}, nil
}

// Screenshot renders the page when the page supports it.
func (e *Executor) Screenshot(ctx context.Context) (bridge.Screenshot, error) {
	c, ok := e.page.(dom.Capturer)
	if !ok {
		return bridge.Screenshot{}, bridge.Errorf(bridge.KindTransport, "page at %s cannot be captured from inside the document", e.page.URL())
	}
	png, err := c.Screenshot(ctx)
	if err != nil {
		return bridge.Screenshot{}, bridge.Wrap(bridge.KindTransport, err, "screenshot")
	}
	return bridge.Screenshot{Format: "png", Data: png}, nil
}

func (e *Executor) locate(ctx context.Context, target bridge.Target) (dom.Node, error) {
	switch {
	case target.Ref != "":
		return snapshot.Resolve(ctx, e.page, target.Ref)
	case target.Selector != "":
		nodes, err := e.page.QuerySelectorAll(ctx, target.Selector)
		if err != nil {
			return nil, bridge.Wrap(bridge.KindInvalidCommand, err, "query "+target.Selector)
		}
		if len(nodes) == 0 {
			return nil, bridge.Errorf(bridge.KindElementNotFound, "no element matches %s", target.Selector)
		}
		return nodes[0], nil
	case target.Point != nil:
		n, err := e.page.ElementFromPoint(ctx, target.Point.X, target.Point.Y)
		if err != nil {
			return nil, bridge.Wrap(bridge.KindTransport, err, "element from point")
		}
		if n == nil {
			return nil, bridge.Errorf(bridge.KindElementNotFound, "no element at %s", target)
		}
		return n, nil
	default:
		return nil, bridge.Errorf(bridge.KindInvalidCommand, "no target")
	}
}

// fail classifies an error raised after the element was located. An element
// that vanished mid-operation is stale when it was addressed by reference.
func (e *Executor) fail(target bridge.Target, err error, op string) error {
	if errors.Is(err, dom.ErrDetached) {
		if target.Ref != "" {
			return bridge.Wrap(bridge.KindStaleReference, err, op)
		}
		return bridge.Wrap(bridge.KindElementNotFound, err, op)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return bridge.Wrap(bridge.KindTimeout, err, op)
	}
	var be *bridge.Error
	if errors.As(err, &be) {
		return be
	}
	return bridge.Wrap(bridge.KindTransport, err, op)
}

func checkVisible(n dom.Node) error {
	if n.ComputedStyle().Hidden() {
		return bridge.Errorf(bridge.KindNotInteractable, "<%s> is hidden", describe(n))
	}
	if n.BoundingBox().SubPixel() {
		return bridge.Errorf(bridge.KindNotInteractable, "<%s> has no rendered size", describe(n))
	}
	return nil
}

func checkEnabled(n dom.Node) error {
	if disabled(n) {
		return bridge.Errorf(bridge.KindNotInteractable, "<%s> is disabled", describe(n))
	}
	return nil
}

var disableable = map[string]bool{
	"button": true, "input": true, "select": true, "textarea": true,
	"option": true, "optgroup": true, "fieldset": true,
}

func disabled(n dom.Node) bool {
	if strings.EqualFold(dom.Value(n, "aria-disabled"), "true") {
		return true
	}
	return disableable[n.Tag()] && dom.Has(n, "disabled")
}

type editable int

const (
	notEditable editable = iota
	formField
	editableRegion
)

var textInputTypes = map[string]bool{
	"": true, "text": true, "search": true, "email": true, "url": true, "tel": true,
	"password": true, "number": true, "date": true, "datetime-local": true,
	"month": true, "week": true, "time": true, "color": true,
}

func editKind(n dom.Node) editable {
	switch n.Tag() {
	case "input":
		if textInputTypes[strings.ToLower(dom.Value(n, "type"))] {
			return formField
		}
		return notEditable
	case "textarea", "select":
		return formField
	}
	if v, ok := n.Attr("contenteditable"); ok && !strings.EqualFold(v, "false") {
		return editableRegion
	}
	return notEditable
}

func describeElement(n dom.Node) ElementInfo {
	attrs := n.Attributes()
	if attrs == nil {
		attrs = map[string]string{}
	}
	return ElementInfo{
		Tag:        n.Tag(),
		Attributes: attrs,
		Text:       truncate(strings.Join(strings.Fields(n.Text()), " "), maxElementText),
		Visible:    !n.ComputedStyle().Hidden() && !n.BoundingBox().SubPixel(),
		Enabled:    !disabled(n),
		Rect:       n.BoundingBox(),
		Ref:        attrs[snapshot.MarkerAttr],
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

func describe(n dom.Node) string {
	if t := dom.Value(n, "type"); t != "" && n.Tag() == "input" {
		return fmt.Sprintf("input type=%s", t)
	}
	return n.Tag()
}
