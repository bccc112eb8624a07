package catalog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/mcp-gateway/pkg/config"
	"github.com/aihub/mcp-gateway/pkg/remotemcp"
	"github.com/aihub/mcp-gateway/pkg/wire"
)

type fakeRouter struct {
	tools map[string][]wire.Tool
	errs  map[string]error
	calls []string
}

func (f *fakeRouter) ListTools(_ context.Context, backend config.Backend) ([]wire.Tool, error) {
	if err, ok := f.errs[backend.Name]; ok {
		return nil, err
	}
	return f.tools[backend.Name], nil
}

func (f *fakeRouter) Call(_ context.Context, backend config.Backend, tool string, _ json.RawMessage) (*wire.CallResult, error) {
	if err, ok := f.errs[backend.Name]; ok {
		return nil, err
	}
	f.calls = append(f.calls, Join(backend.Name, tool))
	return wire.TextResultf("ran %s on %s", tool, backend.Name), nil
}

func testSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	snap, err := config.Parse([]byte(`
backends:
  - name: files
    kind: local-process
    command: /bin/files-mcp
  - name: search
    kind: external-http
    url: https://search.internal/mcp
  - name: off
    kind: external-http
    url: https://off.internal/mcp
    enabled: false
`))
	require.NoError(t, err)
	return snap
}

func newTestAggregator(local, remote *fakeRouter) *Aggregator {
	return NewAggregator(local, remote, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSplitOnFirstSeparator(t *testing.T) {
	t.Parallel()

	backend, tool, ok := Split("files__read__v2")
	require.True(t, ok)
	assert.Equal(t, "files", backend)
	assert.Equal(t, "read__v2", tool)

	_, _, ok = Split("no-separator")
	assert.False(t, ok)
}

func TestListToolsMergesAndNamespaces(t *testing.T) {
	t.Parallel()

	local := &fakeRouter{tools: map[string][]wire.Tool{
		"files": {{Name: "read"}, {Name: "write"}},
	}}
	remote := &fakeRouter{tools: map[string][]wire.Tool{
		"search": {{Name: "query"}},
	}}
	agg := newTestAggregator(local, remote)
	require.NoError(t, agg.RegisterHubTool(HubTool{
		Tool: wire.Tool{Name: "hub_status"},
		Handler: func(context.Context, json.RawMessage) (*wire.CallResult, error) {
			return wire.TextResult("ok"), nil
		},
	}))

	tools := agg.ListTools(context.Background(), testSnapshot(t))

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.Equal(t, []string{"hub_status", "files__read", "files__write", "search__query"}, names)
}

func TestListToolsSkipsToolsWithSeparatorInName(t *testing.T) {
	t.Parallel()

	local := &fakeRouter{tools: map[string][]wire.Tool{
		"files": {{Name: "ok"}, {Name: "bad__name"}},
	}}
	agg := newTestAggregator(local, &fakeRouter{})

	tools := agg.ListTools(context.Background(), testSnapshot(t))
	for _, tool := range tools {
		assert.NotContains(t, tool.Name, "bad")
	}
}

func TestListToolsAdvertisesSentinelWhenBreakerOpen(t *testing.T) {
	t.Parallel()

	remote := &fakeRouter{errs: map[string]error{
		"search": &remotemcp.UnavailableError{Backend: "search", RetryAfter: 12 * time.Second},
	}}
	agg := newTestAggregator(&fakeRouter{}, remote)

	tools := agg.ListTools(context.Background(), testSnapshot(t))

	var sentinel *wire.Tool
	for i := range tools {
		if tools[i].Name == "search__unavailable" {
			sentinel = &tools[i]
		}
	}
	require.NotNil(t, sentinel, "open breaker should surface a sentinel tool")
	assert.Contains(t, sentinel.Description, "12s")
}

func TestResolveTargets(t *testing.T) {
	t.Parallel()

	agg := newTestAggregator(&fakeRouter{}, &fakeRouter{})
	require.NoError(t, agg.RegisterHubTool(HubTool{
		Tool: wire.Tool{Name: "hub_echo"},
		Handler: func(_ context.Context, args json.RawMessage) (*wire.CallResult, error) {
			return wire.TextResult(string(args)), nil
		},
	}))
	snap := testSnapshot(t)

	hub, err := agg.Resolve("hub_echo", snap)
	require.NoError(t, err)
	assert.Equal(t, TargetHub, hub.Kind)

	local, err := agg.Resolve("files__read", snap)
	require.NoError(t, err)
	assert.Equal(t, TargetLocal, local.Kind)
	assert.Equal(t, "read", local.Tool)

	remote, err := agg.Resolve("search__query__fast", snap)
	require.NoError(t, err)
	assert.Equal(t, TargetRemote, remote.Kind)
	assert.Equal(t, "query__fast", remote.Tool, "split happens on the first separator only")

	_, err = agg.Resolve("bare-name", snap)
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = agg.Resolve("nobody__tool", snap)
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = agg.Resolve("off__tool", snap)
	assert.ErrorIs(t, err, ErrUnknownTool, "disabled backends are not routable")
}

func TestCallDispatchesToRouters(t *testing.T) {
	t.Parallel()

	local := &fakeRouter{}
	remote := &fakeRouter{}
	agg := newTestAggregator(local, remote)
	snap := testSnapshot(t)

	_, err := agg.Call(context.Background(), snap, "files__read", nil)
	require.NoError(t, err)
	_, err = agg.Call(context.Background(), snap, "search__query", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"files__read"}, local.calls)
	assert.Equal(t, []string{"search__query"}, remote.calls)
}

func TestRegisterHubToolRejectsBadNames(t *testing.T) {
	t.Parallel()

	agg := newTestAggregator(&fakeRouter{}, &fakeRouter{})
	err := agg.RegisterHubTool(HubTool{Tool: wire.Tool{Name: "not-hubby"}})
	require.Error(t, err)

	require.NoError(t, agg.RegisterHubTool(HubTool{Tool: wire.Tool{Name: "hub_thing"}}))
	err = agg.RegisterHubTool(HubTool{Tool: wire.Tool{Name: "hub_thing"}})
	require.Error(t, err, "duplicate registration must fail")
}
