package snapshot

import (
	"strings"

	"github.com/polzovatel/page-bridge/internal/dom"
)

const genericRole = "generic"

// tags that are always part of the snapshot
var interactiveTags = map[string]bool{
	"a": true, "button": true, "input": true, "textarea": true, "select": true,
	"option": true, "details": true, "summary": true, "label": true,
	"fieldset": true, "legend": true,
}

var landmarkTags = map[string]bool{
	"main": true, "nav": true, "aside": true, "section": true,
	"article": true, "header": true, "footer": true,
}

var headingTags = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// controls that can be named by a <label>
var labelableTags = map[string]bool{
	"input": true, "select": true, "textarea": true, "button": true,
	"meter": true, "output": true, "progress": true,
}

var implicitRoles = map[string]string{
	"a":        "link",
	"area":     "link",
	"article":  "article",
	"aside":    "complementary",
	"button":   "button",
	"details":  "group",
	"dialog":   "dialog",
	"fieldset": "group",
	"footer":   "contentinfo",
	"form":     "form",
	"h1":       "heading",
	"h2":       "heading",
	"h3":       "heading",
	"h4":       "heading",
	"h5":       "heading",
	"h6":       "heading",
	"header":   "banner",
	"hr":       "separator",
	"img":      "img",
	"label":    "label",
	"legend":   "legend",
	"li":       "listitem",
	"main":     "main",
	"nav":      "navigation",
	"ol":       "list",
	"option":   "option",
	"p":        "paragraph",
	"progress": "progressbar",
	"section":  "region",
	"select":   "combobox",
	"summary":  "button",
	"table":    "table",
	"textarea": "textbox",
	"ul":       "list",
}

var inputRoles = map[string]string{
	"button":   "button",
	"checkbox": "checkbox",
	"email":    "textbox",
	"image":    "button",
	"number":   "spinbutton",
	"password": "textbox",
	"radio":    "radio",
	"range":    "slider",
	"reset":    "button",
	"search":   "searchbox",
	"submit":   "button",
	"tel":      "textbox",
	"text":     "textbox",
	"url":      "textbox",
}

// roles that make an element count as interactive when computing the text
// of its ancestors
var interactiveRoles = map[string]bool{
	"button": true, "checkbox": true, "combobox": true, "link": true,
	"listbox": true, "menuitem": true, "menuitemcheckbox": true,
	"menuitemradio": true, "option": true, "radio": true, "searchbox": true,
	"slider": true, "spinbutton": true, "switch": true, "tab": true,
	"textbox": true, "treeitem": true,
}

// Role computes the role of an element: the explicit role attribute wins,
// then the implicit role of its tag.
func Role(n dom.Node) string {
	if explicit := strings.Fields(dom.Value(n, "role")); len(explicit) > 0 {
		return strings.ToLower(explicit[0])
	}
	tag := n.Tag()
	switch tag {
	case "a", "area":
		if !dom.Has(n, "href") {
			return genericRole
		}
	case "input":
		t := strings.ToLower(strings.TrimSpace(dom.Value(n, "type")))
		if t == "" {
			return "textbox"
		}
		if r, ok := inputRoles[t]; ok {
			return r
		}
		return genericRole
	case "select":
		if dom.Has(n, "multiple") {
			return "listbox"
		}
		if size := strings.TrimSpace(dom.Value(n, "size")); size != "" && size != "0" && size != "1" {
			return "listbox"
		}
	}
	if r, ok := implicitRoles[tag]; ok {
		return r
	}
	if isContentEditable(n) {
		return "textbox"
	}
	return genericRole
}

func isContentEditable(n dom.Node) bool {
	v, ok := n.Attr("contenteditable")
	if !ok {
		return false
	}
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "" || v == "true" || v == "plaintext-only"
}

// interactive reports whether n is a control whose text must not leak into
// an ancestor's name.
func interactive(n dom.Node) bool {
	if interactiveTags[n.Tag()] && n.Tag() != "label" && n.Tag() != "fieldset" && n.Tag() != "legend" {
		return true
	}
	if dom.Has(n, "onclick") || isContentEditable(n) {
		return true
	}
	return interactiveRoles[Role(n)]
}

func isPointer(cursor string) bool {
	return cursor == "pointer"
}

// included is the inclusion test of the walk. parentCursor lets generic
// containers qualify only when they set the pointer cursor themselves.
func included(n dom.Node, style dom.Style, parentCursor string) bool {
	tag := n.Tag()
	switch {
	case interactiveTags[tag], headingTags[tag], landmarkTags[tag]:
		return true
	case strings.TrimSpace(dom.Value(n, "role")) != "":
		return true
	case dom.Has(n, "onclick"), isContentEditable(n):
		return true
	case tag == "img":
		return strings.TrimSpace(dom.Value(n, "alt")) != ""
	case dom.Has(n, "tabindex"):
		return true
	case isPointer(style.Cursor) && !isPointer(parentCursor):
		return true
	}
	return false
}
