package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/dispatch"
	"github.com/polzovatel/page-bridge/internal/dom/htmldom"
	"github.com/polzovatel/page-bridge/internal/executor"
	"github.com/polzovatel/page-bridge/internal/relay"
	"github.com/polzovatel/page-bridge/internal/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const formHTML = `<!doctype html><html><body>
<label for="q">Query</label><input id="q" type="text">
<button id="go">Search</button>
<ul><li class="hit">a</li><li class="hit">b</li><li class="hit">c</li></ul>
</body></html>`

func toolbox(t *testing.T) (Toolbox, *htmldom.Page) {
	t.Helper()
	page, err := htmldom.New(formHTML, "https://search.test/")
	require.NoError(t, err)
	exec := executor.New(page, snapshot.NewEngine(snapshot.Options{}, zerolog.Nop()), zerolog.Nop())
	tab := executor.NewTab("t1", exec, zerolog.Nop())
	tab.SetActive(true)
	c := relay.New(relay.NewTabList(tab), relay.Config{ProbeTimeout: 20 * time.Millisecond, SettleDelay: 5 * time.Millisecond})
	t.Cleanup(func() {
		_ = c.Close()
		_ = tab.Close()
	})
	return New(dispatch.New(dispatch.DirectTransport{Handler: c}), nil), page
}

func TestDescribe(t *testing.T) {
	tb, _ := toolbox(t)
	var names []string
	for _, tool := range tb.Describe() {
		names = append(names, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"])
	}
	assert.Equal(t, []string{"snapshot", "click", "type", "hover", "get_element", "screenshot"}, names)
}

func TestSnapshotThenTypeByRef(t *testing.T) {
	ctx := context.Background()
	tb, page := toolbox(t)

	res, err := tb.Invoke(ctx, "snapshot", nil)
	require.NoError(t, err)
	assert.Contains(t, res.Observation, "https://search.test/")
	assert.Contains(t, res.Observation, `textbox "Query"`)

	ref := page.Query("#q").Attributes()[snapshot.MarkerAttr]
	require.NotEmpty(t, ref)
	res, err = tb.Invoke(ctx, "type", map[string]any{"ref": ref, "text": "gophers"})
	require.NoError(t, err)
	assert.Contains(t, res.Observation, `"gophers"`)

	res, err = tb.Invoke(ctx, "type", map[string]any{"selector": "#q", "text": "!", "append": true})
	require.NoError(t, err)
	assert.Contains(t, res.Observation, `"gophers!"`)
}

func TestClickTargets(t *testing.T) {
	ctx := context.Background()
	tb, page := toolbox(t)
	var clicks int
	require.NoError(t, page.On(page.Query("#go"), "click", func(htmldom.Event) { clicks++ }))

	_, err := tb.Invoke(ctx, "click", map[string]any{"selector": "#go"})
	require.NoError(t, err)

	x, y := page.Query("#go").BoundingBox().Center()
	_, err = tb.Invoke(ctx, "click", map[string]any{"x": x, "y": y})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, clicks, 2)

	_, err = tb.Invoke(ctx, "click", map[string]any{"x": x})
	assert.Error(t, err)
	_, err = tb.Invoke(ctx, "click", map[string]any{"x": x, "y": y, "selector": "#go"})
	assert.Error(t, err)
	_, err = tb.Invoke(ctx, "click", map[string]any{})
	assert.Error(t, err)
}

func TestGetElementBounded(t *testing.T) {
	tb, _ := toolbox(t)
	res, err := tb.Invoke(context.Background(), "get_element", map[string]any{"selector": "li.hit", "limit": float64(2)})
	require.NoError(t, err)

	var out executor.ElementsResult
	require.NoError(t, json.Unmarshal([]byte(res.Observation), &out))
	assert.Equal(t, 3, out.Total)
	assert.Len(t, out.Elements, 2)
}

func TestErrorsCarryKinds(t *testing.T) {
	ctx := context.Background()
	tb, _ := toolbox(t)

	_, err := tb.Invoke(ctx, "hover", map[string]any{"selector": "#missing"})
	assert.Equal(t, bridge.KindElementNotFound, bridge.KindOf(err))

	_, err = tb.Invoke(ctx, "type", map[string]any{"selector": "#go", "text": "x"})
	assert.Equal(t, bridge.KindUnsupported, bridge.KindOf(err))

	_, err = tb.Invoke(ctx, "get_element", map[string]any{"selector": " \n "})
	assert.Error(t, err)

	_, err = tb.Invoke(ctx, "navigate", nil)
	assert.Error(t, err)

	_, err = tb.Invoke(ctx, "save_state", map[string]any{"path": "x"})
	assert.Error(t, err)
}

type saver struct{ path string }

func (s *saver) SaveState(ctx context.Context, path string) error {
	s.path = path
	return nil
}

func TestScreenshotAndSaveState(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	h := dispatch.HandlerFunc(func(ctx context.Context, cmd bridge.Command) bridge.Result {
		return bridge.OK(cmd.RequestID, bridge.Screenshot{Format: "png", Data: png})
	})
	sv := &saver{}
	tb := New(dispatch.New(dispatch.DirectTransport{Handler: h}), sv)

	res, err := tb.Invoke(context.Background(), "screenshot", nil)
	require.NoError(t, err)
	assert.Equal(t, png, res.Image)
	assert.Equal(t, "image/png", res.MimeType)

	_, err = tb.Invoke(context.Background(), "save_state", map[string]any{"path": "/tmp/state.json"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/state.json", sv.path)
}
