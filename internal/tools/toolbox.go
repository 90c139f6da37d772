// Package tools exposes the dispatcher verbs as named tools with JSON input
// schemas, for callers that speak in tool invocations.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/dispatch"
)

type Toolbox interface {
	Describe() []Tool
	Invoke(ctx context.Context, name string, input map[string]any) (Result, error)
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Result is the observation a tool produces. Image is set by screenshot only.
type Result struct {
	Observation string
	Image       []byte
	MimeType    string
}

// StateSaver persists browser storage state. Optional.
type StateSaver interface {
	SaveState(ctx context.Context, path string) error
}

type standard struct {
	d     *dispatch.Dispatcher
	saver StateSaver
	tools []Tool
}

func New(d *dispatch.Dispatcher, saver StateSaver) Toolbox {
	s := &standard{
		d:     d,
		saver: saver,
		tools: []Tool{
			newTool("snapshot", "Capture the accessibility tree of the page; interactive elements carry refs like e12", schema{}, nil),
			newTool("click", "Click an element by ref, CSS selector or viewport coordinates", schema{"ref": str("element ref from snapshot"), "selector": str("CSS selector"), "x": number("x coordinate"), "y": number("y coordinate")}, nil),
			newTool("type", "Type text into an input, textarea or contenteditable", schema{"ref": str("element ref from snapshot"), "selector": str("CSS selector"), "text": str("text to type"), "append": boolean("append to the current value")}, []string{"text"}),
			newTool("hover", "Hover over an element to reveal hidden content", schema{"ref": str("element ref from snapshot"), "selector": str("CSS selector")}, nil),
			newTool("get_element", "Describe elements matching a CSS selector", schema{"selector": str("CSS selector"), "limit": integer("max elements, default 10")}, []string{"selector"}),
			newTool("screenshot", "Capture the visible area of the active tab as PNG", schema{}, nil),
		},
	}
	if saver != nil {
		s.tools = append(s.tools, newTool("save_state", "Save current storage state", schema{"path": str("path to save")}, []string{"path"}))
	}
	return s
}

func (s *standard) Describe() []Tool {
	return append([]Tool(nil), s.tools...)
}

func (s *standard) Invoke(ctx context.Context, name string, input map[string]any) (Result, error) {
	switch name {
	case "snapshot":
		snap, err := s.d.Snapshot(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("%s\n%s", snap.URL, snap.Outline)}, nil

	case "click":
		target, err := clickTarget(input)
		if err != nil {
			return Result{}, err
		}
		res, err := s.d.Click(ctx, target)
		if err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("clicked <%s> %s at (%.0f, %.0f)", res.Tag, target, res.X, res.Y)}, nil

	case "type":
		target, err := elementTarget(input)
		if err != nil {
			return Result{}, err
		}
		text, ok := input["text"]
		if !ok {
			return Result{}, fmt.Errorf("field text required")
		}
		res, err := s.d.TypeInto(ctx, target, fmt.Sprint(text), optionalBool(input, "append"))
		if err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("typed into <%s> %s, value now %q", res.Tag, target, res.Value)}, nil

	case "hover":
		target, err := elementTarget(input)
		if err != nil {
			return Result{}, err
		}
		if err := s.d.HoverOver(ctx, target); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("hovered %s", target)}, nil

	case "get_element":
		sel, err := requiredString(input, "selector")
		if err != nil {
			return Result{}, err
		}
		sel = sanitizeSelector(sel)
		if sel == "" {
			return Result{}, fmt.Errorf("selector is invalid or empty after sanitization")
		}
		res, err := s.d.GetElement(ctx, sel, optionalInt(input, "limit"))
		if err != nil {
			return Result{}, err
		}
		data, err := json.Marshal(res)
		if err != nil {
			return Result{}, fmt.Errorf("encode elements: %w", err)
		}
		return Result{Observation: string(data)}, nil

	case "screenshot":
		shot, err := s.d.Screenshot(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Observation: fmt.Sprintf("screenshot %d bytes", len(shot.Data)),
			Image:       shot.Data,
			MimeType:    "image/" + shot.Format,
		}, nil

	case "save_state":
		if s.saver == nil {
			return Result{}, fmt.Errorf("save_state unavailable")
		}
		path, err := requiredString(input, "path")
		if err != nil {
			return Result{}, err
		}
		if err := s.saver.SaveState(ctx, path); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("state saved to %s", path)}, nil
	default:
		return Result{}, fmt.Errorf("unknown tool %s", name)
	}
}

// clickTarget accepts a ref, a selector or both coordinates.
func clickTarget(input map[string]any) (bridge.Target, error) {
	_, hasX := input["x"]
	_, hasY := input["y"]
	if hasX || hasY {
		x, err := requiredFloat(input, "x")
		if err != nil {
			return bridge.Target{}, err
		}
		y, err := requiredFloat(input, "y")
		if err != nil {
			return bridge.Target{}, err
		}
		if optionalString(input, "ref") != "" || optionalString(input, "selector") != "" {
			return bridge.Target{}, fmt.Errorf("give either coordinates or an element, not both")
		}
		return bridge.Target{Point: &bridge.Point{X: x, Y: y}}, nil
	}
	return elementTarget(input)
}

func elementTarget(input map[string]any) (bridge.Target, error) {
	ref := strings.TrimSpace(optionalString(input, "ref"))
	sel := sanitizeSelector(optionalString(input, "selector"))
	switch {
	case ref != "" && sel != "":
		return bridge.Target{}, fmt.Errorf("give either ref or selector, not both")
	case ref != "":
		return bridge.Target{Ref: ref}, nil
	case sel != "":
		return bridge.Target{Selector: sel}, nil
	default:
		return bridge.Target{}, fmt.Errorf("field ref or selector required")
	}
}

// Helpers for schema and extraction.
type schema map[string]any

func newTool(name, desc string, props schema, required []string) Tool {
	return Tool{
		Name:        name,
		Description: desc,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func number(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

func requiredString(input map[string]any, key string) (string, error) {
	val, ok := input[key]
	if !ok {
		return "", fmt.Errorf("field %s required", key)
	}
	switch v := val.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("field %s empty", key)
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("field %s must be string", key)
	}
}

func optionalString(input map[string]any, key string) string {
	val, ok := input[key]
	if !ok {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func optionalBool(input map[string]any, key string) bool {
	val, ok := input[key]
	if !ok {
		return false
	}
	switch v := val.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

func requiredFloat(input map[string]any, key string) (float64, error) {
	val, ok := input[key]
	if !ok {
		return 0, fmt.Errorf("field %s required", key)
	}
	switch v := val.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("field %s must be a number: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("field %s must be a number", key)
	}
}

func optionalInt(input map[string]any, key string) int {
	val, ok := input[key]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		i, _ := v.Int64()
		return int(i)
	default:
		return 0
	}
}

// sanitizeSelector collapses whitespace that model-written selectors often
// carry across lines.
func sanitizeSelector(sel string) string {
	if sel == "" {
		return ""
	}
	sel = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(sel)
	return strings.Join(strings.Fields(sel), " ")
}
