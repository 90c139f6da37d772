package executor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/dom/htmldom"
	"github.com/polzovatel/page-bridge/internal/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newExecutor(t *testing.T, body string) (*Executor, *htmldom.Page) {
	t.Helper()
	page, err := htmldom.New("<!doctype html><html><body>"+body+"</body></html>", "https://editor.test/")
	require.NoError(t, err)
	return New(page, snapshot.NewEngine(snapshot.Options{}, zerolog.Nop()), zerolog.Nop()), page
}

func types(events []htmldom.Event) []string {
	var out []string
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestClickDispatchesAtCenter(t *testing.T) {
	ctx := context.Background()
	exec, page := newExecutor(t, `<p>intro</p><button id="run">Run</button>`)
	btn := page.Query("#run")
	var fired int
	require.NoError(t, page.On(btn, "click", func(htmldom.Event) { fired++ }))

	res, err := exec.Click(ctx, bridge.Target{Selector: "#run"})
	require.NoError(t, err)

	assert.Equal(t, 1, fired)
	x, y := btn.BoundingBox().Center()
	assert.Equal(t, x, res.X)
	assert.Equal(t, y, res.Y)
	events := page.Events(btn.Key())
	assert.Equal(t, []string{"mousedown", "mouseup", "click"}, types(events))
	for _, e := range events {
		assert.Equal(t, x, e.X)
		assert.Equal(t, y, e.Y)
	}
	assert.Equal(t, 1, page.Scrolls())
}

func TestClickActivatesNativeBehaviour(t *testing.T) {
	ctx := context.Background()
	exec, page := newExecutor(t, `
		<a id="docs" href="/docs">Docs</a>
		<form id="f"><button id="go">Go</button></form>
		<input id="agree" type="checkbox" aria-label="agree">`)

	_, err := exec.Click(ctx, bridge.Target{Selector: "#docs"})
	require.NoError(t, err)
	_, err = exec.Click(ctx, bridge.Target{Selector: "#go"})
	require.NoError(t, err)
	_, err = exec.Click(ctx, bridge.Target{Selector: "#agree"})
	require.NoError(t, err)

	assert.Equal(t, []string{"/docs"}, page.Navigations())
	assert.Equal(t, []string{"f"}, page.Submissions())
	_, checked := page.Query("#agree").Attr("checked")
	assert.True(t, checked)
}

func TestClickByPoint(t *testing.T) {
	ctx := context.Background()
	exec, page := newExecutor(t, `<button id="a">A</button><button id="b">B</button>`)
	x, y := page.Query("#b").BoundingBox().Center()

	_, err := exec.Click(ctx, bridge.Target{Point: &bridge.Point{X: x, Y: y}})
	require.NoError(t, err)
	assert.Len(t, page.Events(page.Query("#b").Key()), 3)
	assert.Empty(t, page.Events(page.Query("#a").Key()))

	_, err = exec.Click(ctx, bridge.Target{Point: &bridge.Point{X: 5000, Y: 5000}})
	assert.Equal(t, bridge.KindElementNotFound, bridge.KindOf(err))
}

func TestGuardsRunBeforeAnyMutation(t *testing.T) {
	ctx := context.Background()
	exec, page := newExecutor(t, `
		<button id="off" disabled>Off</button>
		<button id="aria" aria-disabled="true">Aria</button>
		<button id="gone" style="display:none">Gone</button>
		<div style="display:none"><button id="inner">Inner</button></div>
		<input id="ro" readonly value="x">`)

	for _, sel := range []string{"#off", "#aria", "#gone", "#inner"} {
		_, err := exec.Click(ctx, bridge.Target{Selector: sel})
		assert.Equal(t, bridge.KindNotInteractable, bridge.KindOf(err), sel)
	}
	_, err := exec.Type(ctx, bridge.Target{Selector: "#ro"}, "y", false)
	assert.Equal(t, bridge.KindNotInteractable, bridge.KindOf(err))
	_, err = exec.Type(ctx, bridge.Target{Selector: "#off"}, "y", false)
	assert.Equal(t, bridge.KindUnsupported, bridge.KindOf(err))

	assert.Empty(t, page.AllEvents())
	assert.Zero(t, page.Scrolls())
	v, err := page.Value(ctx, page.Query("#ro"))
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestTypeIntoTextarea(t *testing.T) {
	ctx := context.Background()
	exec, page := newExecutor(t, `<textarea id="prompt"></textarea>`)
	field := page.Query("#prompt")

	res, err := exec.Type(ctx, bridge.Target{Selector: "#prompt"}, "hello", false)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Value)

	v, err := page.Value(ctx, field)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, []string{"focus", "input", "change"}, types(page.Events(field.Key())))
	assert.Equal(t, field.Key(), page.Focused())
}

func TestTypeAppend(t *testing.T) {
	ctx := context.Background()
	exec, page := newExecutor(t, `<input id="q" value="go ">`)

	res, err := exec.Type(ctx, bridge.Target{Selector: "#q"}, "fast", true)
	require.NoError(t, err)
	assert.Equal(t, "go fast", res.Value)
	v, err := page.Value(ctx, page.Query("#q"))
	require.NoError(t, err)
	assert.Equal(t, "go fast", v)
}

func TestTypeIntoContentEditable(t *testing.T) {
	ctx := context.Background()
	exec, page := newExecutor(t, `<div id="ed" contenteditable="true">draft</div>`)
	ed := page.Query("#ed")

	_, err := exec.Type(ctx, bridge.Target{Selector: "#ed"}, " two", true)
	require.NoError(t, err)
	assert.Equal(t, "draft two", page.Query("#ed").Text())
	assert.Equal(t, []string{"focus", "input"}, types(page.Events(ed.Key())))
}

func TestTypeUnsupportedElements(t *testing.T) {
	ctx := context.Background()
	exec, page := newExecutor(t, `<div id="plain">x</div><input id="box" type="checkbox" aria-label="b">`)
	for _, sel := range []string{"#plain", "#box"} {
		_, err := exec.Type(ctx, bridge.Target{Selector: sel}, "x", false)
		assert.Equal(t, bridge.KindUnsupported, bridge.KindOf(err), sel)
	}
	assert.Empty(t, page.AllEvents())
}

func TestHover(t *testing.T) {
	ctx := context.Background()
	exec, page := newExecutor(t, `<span id="tip" title="Help">?</span>`)
	require.NoError(t, exec.Hover(ctx, bridge.Target{Selector: "#tip"}))
	assert.Equal(t, []string{"mouseover", "mouseenter", "mousemove"}, types(page.Events(page.Query("#tip").Key())))
}

func TestGetElementsBounded(t *testing.T) {
	ctx := context.Background()
	body := ""
	for i := 0; i < 15; i++ {
		body += `<li class="item">row</li>`
	}
	exec, _ := newExecutor(t, `<ul>`+body+`</ul><button disabled class="b">Off</button>`)

	res, err := exec.GetElements(ctx, bridge.Target{Selector: ".item"}, 0)
	require.NoError(t, err)
	assert.Len(t, res.Elements, defaultLimit)
	assert.Equal(t, 15, res.Total)
	assert.Equal(t, "li", res.Elements[0].Tag)
	assert.Equal(t, "row", res.Elements[0].Text)
	assert.True(t, res.Elements[0].Visible)

	res, err = exec.GetElements(ctx, bridge.Target{Selector: ".b"}, 1000)
	require.NoError(t, err)
	require.Len(t, res.Elements, 1)
	assert.False(t, res.Elements[0].Enabled)

	_, err = exec.GetElements(ctx, bridge.Target{Selector: ".missing"}, 0)
	assert.Equal(t, bridge.KindElementNotFound, bridge.KindOf(err))
	_, err = exec.GetElements(ctx, bridge.Target{Selector: "[[bad"}, 0)
	assert.Equal(t, bridge.KindInvalidCommand, bridge.KindOf(err))
}

func TestSnapshotThenClickByRef(t *testing.T) {
	ctx := context.Background()
	exec, page := newExecutor(t, `<main><button id="run">Run</button></main>`)

	snap, err := exec.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://editor.test/", snap.URL)
	assert.Contains(t, snap.Outline, `button "Run"`)

	var ref string
	for _, n := range snap.Nodes {
		for _, c := range append([]*snapshot.Node{n}, n.Children...) {
			if c.Role == "button" {
				ref = c.Ref
			}
		}
	}
	require.NotEmpty(t, ref)
	_, err = exec.Click(ctx, bridge.Target{Ref: ref})
	require.NoError(t, err)
	assert.Len(t, page.Events(page.Query("#run").Key()), 3)

	require.NoError(t, page.Reload())
	_, err = exec.Click(ctx, bridge.Target{Ref: ref})
	assert.Equal(t, bridge.KindStaleReference, bridge.KindOf(err))
}

func TestExecuteValidatesAndReportsKinds(t *testing.T) {
	ctx := context.Background()
	exec, _ := newExecutor(t, `<button>Run</button>`)

	res := exec.Execute(ctx, bridge.Command{Verb: bridge.VerbClick, RequestID: "r1"})
	assert.False(t, res.Success)
	assert.Equal(t, bridge.KindInvalidCommand, bridge.KindOf(res.Err()))
	assert.Equal(t, "r1", res.RequestID)

	res = exec.Execute(ctx, bridge.Command{Verb: bridge.VerbScreenshot, RequestID: "r2"})
	assert.Equal(t, bridge.KindTransport, bridge.KindOf(res.Err()))

	res = exec.Execute(ctx, bridge.Command{Verb: bridge.VerbClick, RequestID: "r3", Target: bridge.Target{Selector: "button"}})
	require.True(t, res.Success)
	var click ClickResult
	require.NoError(t, res.Decode(&click))
	assert.Equal(t, "button", click.Tag)
}

func TestServeAnswersPingOnlyWhenReady(t *testing.T) {
	exec, page := newExecutor(t, `<button id="run">Run</button>`)
	coord, listener := bridge.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- exec.Serve(ctx, listener) }()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, coord.Post(ctx, bridge.Message{Type: bridge.MsgPing, RequestID: "p1"}))
	select {
	case msg := <-coord.Inbox():
		t.Fatalf("unexpected %s before install", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}

	cmd := bridge.Command{Verb: bridge.VerbClick, RequestID: "c0", Target: bridge.Target{Selector: "#run"}}
	require.NoError(t, coord.Post(ctx, bridge.Message{Type: bridge.MsgCommand, RequestID: "c0", Command: &cmd}))
	msg := <-coord.Inbox()
	require.NotNil(t, msg.Result)
	assert.Equal(t, bridge.KindExecutorUnreachable, bridge.KindOf(msg.Result.Err()))

	require.NoError(t, page.Install(ctx))
	require.NoError(t, coord.Post(ctx, bridge.Message{Type: bridge.MsgPing, RequestID: "p2"}))
	msg = <-coord.Inbox()
	assert.Equal(t, bridge.MsgPong, msg.Type)
	assert.Equal(t, "p2", msg.RequestID)

	cmd.RequestID = "c1"
	require.NoError(t, coord.Post(ctx, bridge.Message{Type: bridge.MsgCommand, RequestID: "c1", Command: &cmd}))
	msg = <-coord.Inbox()
	assert.Equal(t, bridge.MsgResult, msg.Type)
	assert.Equal(t, "c1", msg.RequestID)
	assert.True(t, msg.Result.Success)
}

func TestTabHasNoReceiverBeforeInject(t *testing.T) {
	ctx := context.Background()
	exec, _ := newExecutor(t, `<button>Run</button>`)
	tab := NewTab("t1", exec, zerolog.Nop())
	defer tab.Close()

	port, err := tab.Open(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, port.Post(ctx, bridge.Message{Type: bridge.MsgPing, RequestID: "p0"}), bridge.ErrNoReceiver)

	require.NoError(t, tab.Inject(ctx))
	require.NoError(t, port.Post(ctx, bridge.Message{Type: bridge.MsgPing, RequestID: "p1"}))
	msg := <-port.Inbox()
	assert.Equal(t, bridge.MsgPong, msg.Type)
}

func TestTabInjectStartsOneListener(t *testing.T) {
	ctx := context.Background()
	exec, page := newExecutor(t, `<button>Run</button>`)
	tab := NewTab("t1", exec, zerolog.Nop())
	defer tab.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, tab.Inject(ctx))
	}
	assert.Equal(t, 1, page.Installs())

	port, err := tab.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, port.Post(ctx, bridge.Message{Type: bridge.MsgPing, RequestID: "p"}))
	msg := <-port.Inbox()
	assert.Equal(t, bridge.MsgPong, msg.Type)
	select {
	case extra := <-port.Inbox():
		t.Fatalf("second listener answered: %+v", extra)
	case <-time.After(30 * time.Millisecond):
	}

	_, err = tab.Capture(ctx)
	assert.Error(t, err)

	require.NoError(t, tab.Close())
	_, err = tab.Open(ctx)
	assert.ErrorIs(t, err, bridge.ErrClosed)
}
