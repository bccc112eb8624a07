package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aihub/mcp-gateway/pkg/catalog"
	"github.com/aihub/mcp-gateway/pkg/localmcp"
	"github.com/aihub/mcp-gateway/pkg/remotemcp"
	"github.com/aihub/mcp-gateway/pkg/sessions"
	"github.com/aihub/mcp-gateway/pkg/wire"
)

// maxRequestBytes bounds inbound message bodies.
const maxRequestBytes = 1 * 1024 * 1024

// handleMessage accepts one JSON-RPC envelope per POST and answers it in the
// response body. Notifications yield 204 with no body. Messages on the same
// session are dispatched in arrival order.
func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil || len(body) > maxRequestBytes {
		writeResponse(w, wire.NewErrorResponse(nil, wire.CodeInvalidRequest, "request body unreadable or too large"))
		return
	}

	var req wire.Request
	if err := json.Unmarshal(body, &req); err != nil || req.JSONRPC != wire.Version {
		writeResponse(w, wire.NewErrorResponse(nil, wire.CodeParseError, "invalid JSON-RPC envelope"))
		return
	}

	session, ok := g.sessions.Get(r.URL.Query().Get("clientId"))
	if !ok {
		writeResponse(w, wire.NewErrorResponse(req.ID, wire.CodeInvalidRequest, "unknown or missing clientId"))
		return
	}
	g.sessions.Touch(session.ID)

	if req.IsNotification() {
		if req.Method != "notifications/initialized" {
			g.logger.Debug("ignoring notification", "method", req.Method, "session", session.ID)
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var resp *wire.Response
	session.Serialize(func() {
		resp = g.dispatch(r.Context(), session, &req)
	})
	writeResponse(w, resp)
}

// dispatch routes one request. Panics inside handlers are confined to the
// request that caused them.
func (g *Gateway) dispatch(ctx context.Context, session *sessions.Session, req *wire.Request) (resp *wire.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic during dispatch",
				"method", req.Method, "session", session.ID, "panic", fmt.Sprint(rec))
			resp = wire.NewErrorResponse(req.ID, wire.CodeInternalError, "internal error")
		}
	}()

	switch req.Method {
	case "initialize":
		return wire.NewResponse(req.ID, wire.InitializeResult{
			ProtocolVersion: wire.ProtocolVersion,
			Capabilities:    wire.Capabilities{Tools: wire.ToolCapabilities{}},
			ServerInfo:      wire.Implementation{Name: "mcp-gateway", Version: "1.0.0"},
		})
	case "ping":
		return wire.NewResponse(req.ID, struct{}{})
	case "tools/list":
		tools := g.agg.ListTools(ctx, g.snapshot())
		return wire.NewResponse(req.ID, wire.ListToolsResult{Tools: tools})
	case "tools/call":
		return g.dispatchToolCall(ctx, req)
	default:
		return wire.NewErrorResponse(req.ID, wire.CodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method))
	}
}

// dispatchToolCall executes a tool call. Backend failures come back as
// isError results so the caller sees a diagnosable message instead of a
// broken connection; only malformed params are protocol-level errors.
func (g *Gateway) dispatchToolCall(ctx context.Context, req *wire.Request) *wire.Response {
	var params wire.CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return wire.NewErrorResponse(req.ID, wire.CodeInvalidParams, "tools/call requires a tool name")
	}

	result, err := g.agg.Call(ctx, g.snapshot(), params.Name, params.Arguments)
	if err != nil {
		return wire.NewResponse(req.ID, g.callErrorResult(params.Name, err))
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return wire.NewResponse(req.ID, wire.ErrorResult("tool %q: failed to encode result", params.Name))
	}
	if len(raw) > g.opts.MaxResponseBytes {
		g.logger.Warn("rejecting oversized tool response",
			"tool", params.Name, "bytes", len(raw), "limit", g.opts.MaxResponseBytes)
		return wire.NewResponse(req.ID, wire.ErrorResult(
			"tool %q response of %d bytes exceeds the %d byte limit",
			params.Name, len(raw), g.opts.MaxResponseBytes))
	}
	return &wire.Response{JSONRPC: wire.Version, ID: req.ID, Result: raw}
}

func (g *Gateway) callErrorResult(tool string, err error) *wire.CallResult {
	var unavailable *remotemcp.UnavailableError
	switch {
	case errors.Is(err, catalog.ErrUnknownTool):
		return wire.ErrorResult("unknown tool %q", tool)
	case errors.As(err, &unavailable):
		return wire.ErrorResult("%s", unavailable.Error())
	case errors.Is(err, localmcp.ErrCallTimeout):
		return wire.ErrorResult("tool %q timed out", tool)
	case errors.Is(err, localmcp.ErrResponseTooLarge):
		return wire.ErrorResult("tool %q failed: %v", tool, err)
	case errors.Is(err, localmcp.ErrBackendExited):
		return wire.ErrorResult("tool %q failed: backend process exited", tool)
	default:
		return wire.ErrorResult("tool %q failed: %v", tool, err)
	}
}

func writeResponse(w http.ResponseWriter, resp *wire.Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
