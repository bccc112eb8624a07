// Package catalog merges hub built-ins with backend tool catalogs under the
// gateway's namespacing scheme, and resolves namespaced names back to their
// targets.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aihub/mcp-gateway/pkg/config"
	"github.com/aihub/mcp-gateway/pkg/remotemcp"
	"github.com/aihub/mcp-gateway/pkg/wire"
)

// Separator joins a backend name and its tool name in the public catalog.
// The split always happens on the first occurrence, so tool names may
// themselves contain the separator.
const Separator = "__"

// HubPrefix marks tools served by the gateway itself.
const HubPrefix = "hub_"

// ErrUnknownTool reports a call naming no hub tool and no known backend.
var ErrUnknownTool = errors.New("catalog: unknown tool")

// Join builds the public name for a backend's tool.
func Join(backend, tool string) string {
	return backend + Separator + tool
}

// Split breaks a public name into backend and tool on the first separator.
func Split(name string) (backend, tool string, ok bool) {
	return strings.Cut(name, Separator)
}

// Target kinds.
type TargetKind int

const (
	TargetHub TargetKind = iota
	TargetLocal
	TargetRemote
)

// Target is a resolved tool call destination.
type Target struct {
	Kind    TargetKind
	Backend config.Backend
	Tool    string
	Hub     *HubTool
}

// HubTool is a tool implemented inside the gateway.
type HubTool struct {
	Tool    wire.Tool
	Handler func(ctx context.Context, args json.RawMessage) (*wire.CallResult, error)
}

// LocalRouter is the surface the aggregator needs from the local-process
// router.
type LocalRouter interface {
	ListTools(ctx context.Context, backend config.Backend) ([]wire.Tool, error)
	Call(ctx context.Context, backend config.Backend, tool string, args json.RawMessage) (*wire.CallResult, error)
}

// RemoteRouter is the surface the aggregator needs from the external-HTTP
// router.
type RemoteRouter interface {
	ListTools(ctx context.Context, backend config.Backend) ([]wire.Tool, error)
	Call(ctx context.Context, backend config.Backend, tool string, args json.RawMessage) (*wire.CallResult, error)
}

// Aggregator owns the merged catalog view over hub tools and both routers.
type Aggregator struct {
	local  LocalRouter
	remote RemoteRouter
	logger *slog.Logger

	hubOrder []string
	hub      map[string]HubTool
}

// NewAggregator builds an Aggregator; logger may be nil.
func NewAggregator(local LocalRouter, remote RemoteRouter, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		local:  local,
		remote: remote,
		logger: logger,
		hub:    make(map[string]HubTool),
	}
}

// RegisterHubTool adds a gateway built-in. Names must carry the hub prefix so
// they can never collide with namespaced backend tools.
func (a *Aggregator) RegisterHubTool(tool HubTool) error {
	if !strings.HasPrefix(tool.Tool.Name, HubPrefix) {
		return fmt.Errorf("hub tool %q must start with %q", tool.Tool.Name, HubPrefix)
	}
	if _, dup := a.hub[tool.Tool.Name]; dup {
		return fmt.Errorf("hub tool %q already registered", tool.Tool.Name)
	}
	a.hub[tool.Tool.Name] = tool
	a.hubOrder = append(a.hubOrder, tool.Tool.Name)
	return nil
}

// ListTools returns the full public catalog: hub tools first, then every
// enabled backend's tools under namespaced names. A backend whose breaker is
// open contributes a single sentinel tool instead of disappearing silently;
// backends that fail to list for other reasons are skipped with a warning.
func (a *Aggregator) ListTools(ctx context.Context, snap *config.Snapshot) []wire.Tool {
	out := make([]wire.Tool, 0, len(a.hub))
	for _, name := range a.hubOrder {
		out = append(out, a.hub[name].Tool)
	}

	for _, backend := range snap.EnabledBackends() {
		tools, err := a.listBackend(ctx, backend)
		if err != nil {
			var unavailable *remotemcp.UnavailableError
			if errors.As(err, &unavailable) {
				out = append(out, sentinelTool(backend.Name, unavailable.RetryAfter))
				continue
			}
			a.logger.Warn("skipping backend in catalog", "backend", backend.Name, "error", err)
			continue
		}
		for _, tool := range tools {
			if strings.Contains(tool.Name, Separator) {
				a.logger.Warn("skipping tool whose name contains the namespace separator",
					"backend", backend.Name, "tool", tool.Name)
				continue
			}
			namespaced := tool
			namespaced.Name = Join(backend.Name, tool.Name)
			out = append(out, namespaced)
		}
	}

	// Hub tools stay first; backend tools sort for a stable catalog.
	sort.SliceStable(out[len(a.hub):], func(i, j int) bool {
		rest := out[len(a.hub):]
		return rest[i].Name < rest[j].Name
	})
	return out
}

func (a *Aggregator) listBackend(ctx context.Context, backend config.Backend) ([]wire.Tool, error) {
	switch backend.Kind {
	case config.KindLocalProcess:
		return a.local.ListTools(ctx, backend)
	case config.KindExternalHTTP:
		return a.remote.ListTools(ctx, backend)
	default:
		return nil, fmt.Errorf("backend %q: unknown kind %q", backend.Name, backend.Kind)
	}
}

// sentinelTool is the placeholder advertised for a backend whose breaker is
// open, so clients can see the backend exists and when to retry.
func sentinelTool(backend string, retryAfter time.Duration) wire.Tool {
	return wire.Tool{
		Name: Join(backend, "unavailable"),
		Description: fmt.Sprintf("Backend %q is temporarily unavailable; retry in %s.",
			backend, retryAfter.Round(time.Second)),
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
}

// Resolve maps a public tool name to its target. Names without the separator
// must be hub tools; everything else splits on the first separator and must
// name an enabled backend.
func (a *Aggregator) Resolve(name string, snap *config.Snapshot) (Target, error) {
	if hub, ok := a.hub[name]; ok {
		return Target{Kind: TargetHub, Tool: name, Hub: &hub}, nil
	}

	backendName, tool, ok := Split(name)
	if !ok || backendName == "" || tool == "" {
		return Target{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	backend, found := snap.Backend(backendName)
	if !found || !backend.IsEnabled() {
		return Target{}, fmt.Errorf("%w: no backend %q", ErrUnknownTool, backendName)
	}

	kind := TargetRemote
	if backend.Kind == config.KindLocalProcess {
		kind = TargetLocal
	}
	return Target{Kind: kind, Backend: backend, Tool: tool}, nil
}

// Call resolves and dispatches a tool call.
func (a *Aggregator) Call(ctx context.Context, snap *config.Snapshot, name string, args json.RawMessage) (*wire.CallResult, error) {
	target, err := a.Resolve(name, snap)
	if err != nil {
		return nil, err
	}
	switch target.Kind {
	case TargetHub:
		return target.Hub.Handler(ctx, args)
	case TargetLocal:
		return a.local.Call(ctx, target.Backend, target.Tool, args)
	default:
		return a.remote.Call(ctx, target.Backend, target.Tool, args)
	}
}
