package dispatch

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/dom/htmldom"
	"github.com/polzovatel/page-bridge/internal/envctx"
	"github.com/polzovatel/page-bridge/internal/executor"
	"github.com/polzovatel/page-bridge/internal/relay"
	"github.com/polzovatel/page-bridge/internal/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const editorHTML = `<!doctype html><html><body>
<nav><a href="/home">Home</a></nav>
<main>
  <textarea id="prompt" placeholder="Prompt"></textarea>
  <button id="run">Run</button>
  <ul><li class="row">one</li><li class="row">two</li></ul>
</main>
</body></html>`

func coordinator(t *testing.T) (*relay.Coordinator, *htmldom.Page) {
	t.Helper()
	page, err := htmldom.New(editorHTML, "https://editor.test/")
	require.NoError(t, err)
	exec := executor.New(page, snapshot.NewEngine(snapshot.Options{}, zerolog.Nop()), zerolog.Nop())
	tab := executor.NewTab("t1", exec, zerolog.Nop())
	tab.SetActive(true)
	c := relay.New(relay.NewTabList(tab), relay.Config{
		ProbeTimeout:    20 * time.Millisecond,
		SettleDelay:     5 * time.Millisecond,
		SerializePerTab: true,
	})
	t.Cleanup(func() {
		_ = c.Close()
		_ = tab.Close()
	})
	return c, page
}

func TestSelect(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, cmd bridge.Command) bridge.Result { return bridge.OK(cmd.RequestID, nil) })
	opts := envctx.DefaultOptions()

	tr, err := Select(envctx.Classify(envctx.Environment{}, opts), Deps{})
	require.NoError(t, err)
	assert.IsType(t, absentTransport{}, tr)

	tr, err = Select(envctx.Classify(envctx.Environment{Runtime: true, Tabs: true}, opts), Deps{Coordinator: handler})
	require.NoError(t, err)
	assert.IsType(t, DirectTransport{}, tr)

	_, err = Select(envctx.Classify(envctx.Environment{Runtime: true, Tabs: true}, opts), Deps{})
	assert.Error(t, err)

	pageCtx := envctx.Classify(envctx.Environment{Runtime: true, DOM: true}, opts)
	_, err = Select(pageCtx, Deps{Executor: handler})
	assert.Error(t, err, "page executor proxies through the coordinator by default")

	tr, err = Select(envctx.Classify(envctx.Environment{Runtime: true, DOM: true}, envctx.Options{}), Deps{Executor: handler})
	require.NoError(t, err)
	assert.IsType(t, DirectTransport{}, tr)

	a, b := bridge.Pipe()
	defer b.Close()
	tr, err = Select(envctx.Classify(envctx.Environment{Runtime: true, Tabs: true, DOM: true, ExtensionPage: true}, opts), Deps{Port: a})
	require.NoError(t, err)
	assert.IsType(t, &RelayedTransport{}, tr)
	require.NoError(t, tr.Close())
}

func TestHostAbsentFailsEveryVerb(t *testing.T) {
	ctx := context.Background()
	d := New(absentTransport{})

	_, err := d.Click(ctx, bridge.Target{Selector: "#run"})
	assert.Equal(t, bridge.KindTransport, bridge.KindOf(err))
	_, err = d.Type(ctx, "#prompt", "x", false)
	assert.Equal(t, bridge.KindTransport, bridge.KindOf(err))
	assert.Equal(t, bridge.KindTransport, bridge.KindOf(d.Hover(ctx, "#run")))
	_, err = d.GetElement(ctx, "li", 0)
	assert.Equal(t, bridge.KindTransport, bridge.KindOf(err))
	_, err = d.Screenshot(ctx)
	assert.Equal(t, bridge.KindTransport, bridge.KindOf(err))
	_, err = d.Snapshot(ctx)
	assert.Equal(t, bridge.KindTransport, bridge.KindOf(err))
}

func TestInvalidInputNeverReachesTransport(t *testing.T) {
	var calls atomic.Int32
	d := New(DirectTransport{Handler: HandlerFunc(func(ctx context.Context, cmd bridge.Command) bridge.Result {
		calls.Add(1)
		return bridge.OK(cmd.RequestID, nil)
	})})
	ctx := context.Background()

	_, err := d.Click(ctx, bridge.Target{})
	assert.Equal(t, bridge.KindInvalidCommand, bridge.KindOf(err))
	_, err = d.Click(ctx, bridge.Target{Selector: "a", Ref: "e1"})
	assert.Equal(t, bridge.KindInvalidCommand, bridge.KindOf(err))
	_, err = d.Type(ctx, "", "x", false)
	assert.Equal(t, bridge.KindInvalidCommand, bridge.KindOf(err))
	res := d.Do(ctx, bridge.Command{Verb: "scroll"})
	assert.Equal(t, bridge.KindInvalidCommand, bridge.KindOf(res.Err()))
	assert.Zero(t, calls.Load())
}

func TestDoFillsDefaults(t *testing.T) {
	var seen bridge.Command
	d := New(DirectTransport{Handler: HandlerFunc(func(ctx context.Context, cmd bridge.Command) bridge.Result {
		seen = cmd
		return bridge.OK(cmd.RequestID, nil)
	})}, WithTabURL("https://editor.test/*"))

	require.NoError(t, d.HoverOver(context.Background(), bridge.Target{Ref: "e1"}))
	assert.Len(t, seen.RequestID, 36)
	assert.Equal(t, bridge.InteractiveTimeout.Milliseconds(), seen.TimeoutMs)
	assert.Equal(t, "https://editor.test/*", seen.TabURL)

	_, _ = d.Snapshot(context.Background())
	assert.Equal(t, bridge.SnapshotTimeout.Milliseconds(), seen.TimeoutMs)
}

func TestDirectCoordinatorFlow(t *testing.T) {
	ctx := context.Background()
	c, page := coordinator(t)
	d := New(DirectTransport{Handler: c})

	snap, err := d.Snapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, snap.Outline, `textbox "Prompt"`)
	assert.Contains(t, snap.Outline, `button "Run"`)

	var runRef string
	for _, line := range strings.Split(snap.Outline, "\n") {
		if strings.Contains(line, `button "Run"`) {
			runRef = line[strings.Index(line, "ref=")+4 : strings.Index(line, "]")]
		}
	}
	require.NotEmpty(t, runRef)

	_, err = d.Click(ctx, bridge.Target{Ref: runRef})
	require.NoError(t, err)
	assert.Len(t, page.Events(page.Query("#run").Key()), 3)

	typed, err := d.Type(ctx, "#prompt", "hello", false)
	require.NoError(t, err)
	assert.Equal(t, "hello", typed.Value)

	rows, err := d.GetElement(ctx, ".row", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rows.Total)
	assert.Len(t, rows.Elements, 1)

	require.NoError(t, d.Hover(ctx, "#run"))

	_, err = d.Click(ctx, bridge.Target{Selector: "#missing"})
	assert.Equal(t, bridge.KindElementNotFound, bridge.KindOf(err))
}

func TestRelayedTransportThroughCoordinator(t *testing.T) {
	c, _ := coordinator(t)
	caller, server := bridge.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- c.Serve(ctx, server) }()

	tr := NewRelayedTransport(caller, zerolog.Nop())
	d := New(tr)
	snap, err := d.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://editor.test/", snap.URL)

	_, err = d.Type(context.Background(), "#prompt", "hi", true)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	cancel()
	<-served
}

func TestRelayedTransportDropsLateReplies(t *testing.T) {
	caller, coord := bridge.Pipe()
	tr := NewRelayedTransport(caller, zerolog.Nop())
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := tr.RoundTrip(ctx, bridge.Command{Verb: bridge.VerbHover, RequestID: "h1", Target: bridge.Target{Selector: "a"}})
	assert.Equal(t, bridge.KindTimeout, bridge.KindOf(res.Err()))

	msg := <-coord.Inbox()
	require.Equal(t, "h1", msg.RequestID)
	late := bridge.OK("h1", nil)
	require.NoError(t, coord.Post(context.Background(), bridge.Message{Type: bridge.MsgResult, RequestID: "h1", Result: &late}))
	assert.Eventually(t, func() bool { return tr.LateReplies() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRelayedTransportFailsWhenCoordinatorGoes(t *testing.T) {
	caller, coord := bridge.Pipe()
	tr := NewRelayedTransport(caller, zerolog.Nop())
	defer tr.Close()

	go func() {
		<-coord.Inbox()
		_ = coord.Close()
	}()
	res := tr.RoundTrip(context.Background(), bridge.Command{Verb: bridge.VerbSnapshot, RequestID: "s1"})
	assert.Equal(t, bridge.KindTransport, bridge.KindOf(res.Err()))
}
