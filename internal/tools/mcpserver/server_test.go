package mcpserver

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/tools"
)

type fakeToolbox struct {
	calls []string
	input map[string]any
	res   tools.Result
	err   error
}

func (f *fakeToolbox) Describe() []tools.Tool {
	return []tools.Tool{{Name: "snapshot", Description: "snap"}, {Name: "click", Description: "click"}}
}

func (f *fakeToolbox) Invoke(ctx context.Context, name string, input map[string]any) (tools.Result, error) {
	f.calls = append(f.calls, name)
	f.input = input
	return f.res, f.err
}

func call(t *testing.T, s *Server, tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := s.handle(tool)(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestTextResult(t *testing.T) {
	tb := &fakeToolbox{res: tools.Result{Observation: "- button \"Run\" [ref=e1]"}}
	s := New(tb, "test", zerolog.Nop())

	res := call(t, s, "click", map[string]any{"ref": "e1"})
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "ref=e1")
	assert.Equal(t, []string{"click"}, tb.calls)
	assert.Equal(t, "e1", tb.input["ref"])
}

func TestImageResult(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	tb := &fakeToolbox{res: tools.Result{Observation: "shot", Image: png, MimeType: "image/png"}}
	s := New(tb, "test", zerolog.Nop())

	res := call(t, s, "screenshot", nil)
	var img mcp.ImageContent
	for _, c := range res.Content {
		if v, ok := c.(mcp.ImageContent); ok {
			img = v
		}
	}
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(png), img.Data)
}

func TestErrorsBecomeToolErrors(t *testing.T) {
	tb := &fakeToolbox{err: bridge.Errorf(bridge.KindStaleReference, "ref e4 is no longer attached")}
	s := New(tb, "test", zerolog.Nop())

	res := call(t, s, "click", map[string]any{"ref": "e4"})
	assert.True(t, res.IsError)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, string(bridge.KindStaleReference))
}
