package htmldom

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/page-bridge/internal/dom"
)

func load(t *testing.T, body string) *Page {
	t.Helper()
	p, err := New("<!doctype html><html><body>"+body+"</body></html>", "https://page.test/")
	require.NoError(t, err)
	return p
}

func TestStyleAndLayout(t *testing.T) {
	p := load(t, `
<div id="outer" style="visibility: hidden; cursor: pointer">
  <span id="inner">x</span>
</div>
<p id="gone" style="display:none"><b id="child">y</b></p>
<button id="placed" style="left: 10px; top: 300px; width: 80px; height: 30px">Go</button>
<a id="link" href="/x">x</a>
<input id="secret" type="hidden">`)

	inner := p.Query("#inner").ComputedStyle()
	assert.Equal(t, "hidden", inner.Visibility)
	assert.Equal(t, "pointer", inner.Cursor)

	assert.Equal(t, dom.Rect{}, p.Query("#child").BoundingBox())
	assert.Equal(t, dom.Rect{X: 10, Y: 300, Width: 80, Height: 30}, p.Query("#placed").BoundingBox())
	assert.Equal(t, "pointer", p.Query("#link").ComputedStyle().Cursor)
	assert.Equal(t, "auto", p.Query("#placed").ComputedStyle().Cursor)
	assert.True(t, p.Query("#secret").ComputedStyle().Hidden())
}

func TestInlineStyleDeclarations(t *testing.T) {
	tests := []struct {
		name, style string
		want        map[string]string
	}{
		{"plain", "display: none; cursor:Pointer", map[string]string{"display": "none", "cursor": "pointer"}},
		{"important", "visibility: hidden !important", map[string]string{"visibility": "hidden"}},
		{"data url", "background: url(data:image/png;base64,AAAA); display: none", map[string]string{"background": "url(data:image/png;base64,aaaa)", "display": "none"}},
		{"quoted semicolon", `content: "a;b:c"; opacity: 0`, map[string]string{"content": `"a;b:c"`, "opacity": "0"}},
		{"function with semicolon in string", `background-image: image-set("x;y.png" 1x); left: 4px`, map[string]string{"background-image": `image-set("x;y.png" 1x)`, "left": "4px"}},
		{"malformed declaration skipped", "12: x; top: 3px; ;width", map[string]string{"top": "3px"}},
		{"comment", "/* hidden */ display: /* x */ block", map[string]string{"display": "block"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := load(t, `<div id="d"></div>`)
			d := p.Query("#d")
			require.NoError(t, p.SetAttribute(context.Background(), d, "style", tt.style))
			assert.Equal(t, tt.want, inlineStyle(d.n))
		})
	}

	p := load(t, `<div id="d" style="background: url(data:image/svg+xml;utf8,<svg/>); display: none"><b id="c">x</b></div>`)
	assert.True(t, p.Query("#d").ComputedStyle().Hidden())
	assert.Equal(t, dom.Rect{}, p.Query("#c").BoundingBox())
}

func TestDeclarativeShadowRoots(t *testing.T) {
	ctx := context.Background()
	p := load(t, `
<x-open id="host"><template shadowrootmode="open"><button data-k="1">In</button></template></x-open>
<x-closed id="closed"><template shadowrootmode="closed"><button data-k="2">Hidden</button></template></x-closed>`)

	host := p.Query("#host")
	require.Len(t, host.ShadowChildren(), 1)
	assert.Equal(t, "button", host.ShadowChildren()[0].Tag())
	assert.Empty(t, p.Query("#closed").ShadowChildren())

	found, err := p.FindByAttribute(ctx, "data-k", "1")
	require.NoError(t, err)
	assert.Len(t, found, 1)
	found, err = p.FindByAttribute(ctx, "data-k", "2")
	require.NoError(t, err)
	assert.Empty(t, found)

	sel, err := p.QuerySelectorAll(ctx, "button")
	require.NoError(t, err)
	assert.Empty(t, sel, "selectors do not pierce shadow roots")
}

func TestEventsBubbleToListeners(t *testing.T) {
	ctx := context.Background()
	p := load(t, `<form id="f"><div id="wrap"><button id="b">Send</button></div></form>`)
	var seen []string
	require.NoError(t, p.On(p.Query("#wrap"), "click", func(e Event) { seen = append(seen, e.Target) }))

	btn := p.Query("#b")
	require.NoError(t, p.DispatchMouse(ctx, btn, "click", 1, 2))
	assert.Equal(t, []string{btn.Key()}, seen)
	assert.Equal(t, []Event{{Type: "click", Target: btn.Key(), X: 1, Y: 2}}, p.Events(btn.Key()))

	require.NoError(t, p.Activate(ctx, btn))
	assert.Equal(t, []string{"f"}, p.Submissions())
}

func TestRadioActivationChecksWithinGroup(t *testing.T) {
	ctx := context.Background()
	p := load(t, `
<form id="f1">
  <input id="a" type="radio" name="size" checked>
  <input id="b" type="radio" name="size">
  <input id="c" type="checkbox" name="size" checked>
</form>
<form id="f2"><input id="d" type="radio" name="size" checked></form>`)

	checked := func(sel string) bool {
		_, ok := p.Query(sel).Attr("checked")
		return ok
	}

	require.NoError(t, p.Activate(ctx, p.Query("#a")))
	assert.True(t, checked("#a"), "activating a checked radio keeps it checked")

	require.NoError(t, p.Activate(ctx, p.Query("#b")))
	assert.True(t, checked("#b"))
	assert.False(t, checked("#a"))
	assert.True(t, checked("#c"), "checkboxes are not part of the radio group")
	assert.True(t, checked("#d"), "another form owns a separate group")

	require.NoError(t, p.Activate(ctx, p.Query("#c")))
	assert.False(t, checked("#c"))
}

func TestValuesAndText(t *testing.T) {
	ctx := context.Background()
	p := load(t, `<input id="i" value="start"><textarea id="t">note</textarea><div id="ce" contenteditable>old</div>`)

	v, err := p.Value(ctx, p.Query("#i"))
	require.NoError(t, err)
	assert.Equal(t, "start", v)
	assert.Equal(t, "note", p.Query("#t").Value())

	require.NoError(t, p.SetValue(ctx, p.Query("#i"), "next"))
	assert.Equal(t, "next", p.Query("#i").Value())

	require.NoError(t, p.SetTextContent(ctx, p.Query("#ce"), "new"))
	assert.Equal(t, "new", p.Query("#ce").Text())
}

func TestDetachedNodes(t *testing.T) {
	ctx := context.Background()
	p := load(t, `<button id="b">x</button>`)
	btn := p.Query("#b")
	require.NoError(t, p.Remove(btn))

	assert.ErrorIs(t, p.Focus(ctx, btn), dom.ErrDetached)
	_, err := p.Refresh(ctx, btn)
	assert.ErrorIs(t, err, dom.ErrDetached)

	p2 := load(t, `<button id="b">x</button>`)
	old := p2.Query("#b")
	require.NoError(t, p2.Install(ctx))
	require.NoError(t, p2.Reload())
	assert.False(t, p2.Ready(ctx))
	assert.ErrorIs(t, p2.ScrollIntoView(ctx, old), dom.ErrDetached)
	assert.NotNil(t, p2.Query("#b"))
}

func TestElementFromPoint(t *testing.T) {
	ctx := context.Background()
	p := load(t, `<button id="b" style="left:0;top:500px;width:50px;height:20px">x</button>`)
	n, err := p.ElementFromPoint(ctx, 25, 510)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "button", n.Tag())

	n, err = p.ElementFromPoint(ctx, 5000, 5000)
	require.NoError(t, err)
	assert.Nil(t, n)

	_, err = p.QuerySelectorAll(ctx, "[[bad")
	assert.Error(t, err)
}
