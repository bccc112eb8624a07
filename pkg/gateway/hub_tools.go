package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aihub/mcp-gateway/pkg/catalog"
	"github.com/aihub/mcp-gateway/pkg/wire"
)

// registerHubTools installs the gateway's built-in tool set. These run
// in-process and never touch a backend, so they stay available even when
// every backend is degraded.
func (g *Gateway) registerHubTools() error {
	tools := []catalog.HubTool{
		{
			Tool: wire.Tool{
				Name:        "hub_status",
				Description: "Report gateway status: uptime, active connections, and backend health.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			},
			Handler: g.hubStatus,
		},
		{
			Tool: wire.Tool{
				Name:        "hub_backends",
				Description: "List configured backends with kind, enabled flag, and circuit breaker state.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			},
			Handler: g.hubBackends,
		},
		{
			Tool: wire.Tool{
				Name:        "hub_echo",
				Description: "Echo the given message back, for connectivity checks.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
			},
			Handler: g.hubEcho,
		},
	}
	for _, tool := range tools {
		if err := g.agg.RegisterHubTool(tool); err != nil {
			return fmt.Errorf("registering hub tools: %w", err)
		}
	}
	return nil
}

func (g *Gateway) hubStatus(context.Context, json.RawMessage) (*wire.CallResult, error) {
	snap := g.snapshot()
	status := map[string]any{
		"status":             "ok",
		"uptime_seconds":     int(time.Since(g.startedAt).Seconds()),
		"active_connections": g.sessions.Len(),
		"backends":           len(snap.EnabledBackends()),
	}
	return jsonResult(status)
}

func (g *Gateway) hubBackends(context.Context, json.RawMessage) (*wire.CallResult, error) {
	snap := g.snapshot()
	type backendStatus struct {
		Name    string `json:"name"`
		Kind    string `json:"kind"`
		Enabled bool   `json:"enabled"`
		Breaker string `json:"breaker"`
	}
	out := make([]backendStatus, 0, len(snap.Backends))
	for _, b := range snap.Backends {
		out = append(out, backendStatus{
			Name:    b.Name,
			Kind:    b.Kind,
			Enabled: b.IsEnabled(),
			Breaker: string(g.breakers.StateOf(b.Name)),
		})
	}
	return jsonResult(out)
}

func (g *Gateway) hubEcho(_ context.Context, args json.RawMessage) (*wire.CallResult, error) {
	var params struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(args, &params); err != nil || params.Msg == "" {
		return wire.ErrorResult("hub_echo requires a msg argument"), nil
	}
	return jsonResult(map[string]string{"msg": params.Msg})
}

func jsonResult(v any) (*wire.CallResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return wire.TextResult(string(raw)), nil
}
