// Package remotemcp proxies tool traffic to external MCP servers over HTTP,
// wrapping every backend interaction in the shared circuit breakers.
package remotemcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aihub/mcp-gateway/pkg/breaker"
	"github.com/aihub/mcp-gateway/pkg/config"
	"github.com/aihub/mcp-gateway/pkg/wire"
)

// UnavailableError reports a call rejected because the backend's circuit
// breaker is open. RetryAfter tells the caller when a probe will be admitted.
type UnavailableError struct {
	Backend    string
	RetryAfter time.Duration
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend %q unavailable, retry in %s", e.Backend, e.RetryAfter.Round(time.Second))
}

const toolCacheTTL = 5 * time.Minute

// Options tune a Router. Zero values select the defaults.
type Options struct {
	Logger         *slog.Logger
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	// HTTPClient overrides the base client, for tests.
	HTTPClient *http.Client
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	return opts
}

// Router maintains one MCP client session per external backend and routes
// tool calls through them. Every outcome feeds the breaker registry.
type Router struct {
	opts     Options
	breakers *breaker.Registry

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	backend config.Backend

	session *mcp.ClientSession

	connecting bool
	connectCh  chan struct{}

	tools        []wire.Tool
	toolsFetched time.Time
}

// NewRouter builds a Router sharing the given breaker registry; opts may be nil.
func NewRouter(breakers *breaker.Registry, opts *Options) *Router {
	return &Router{
		opts:     opts.withDefaults(),
		breakers: breakers,
		clients:  make(map[string]*client),
	}
}

// admit consults the backend's breaker, converting a denial into an
// UnavailableError.
func (r *Router) admit(backend string) error {
	d := r.breakers.CanCall(backend)
	if !d.Allowed {
		return &UnavailableError{Backend: backend, RetryAfter: d.RetryAfter}
	}
	return nil
}

// ensureSession returns a live session for the backend, dialing one if
// needed. Concurrent callers wait on the same connection attempt instead of
// dialing duplicates.
func (r *Router) ensureSession(ctx context.Context, backend config.Backend) (*mcp.ClientSession, error) {
	for {
		r.mu.Lock()
		c, ok := r.clients[backend.Name]
		if !ok {
			c = &client{backend: backend}
			r.clients[backend.Name] = c
		}
		c.backend = backend
		if c.session != nil {
			session := c.session
			r.mu.Unlock()
			return session, nil
		}
		if c.connecting {
			ch := c.connectCh
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ch:
				continue
			}
		}
		c.connecting = true
		c.connectCh = make(chan struct{})
		r.mu.Unlock()

		session, err := r.establishSession(ctx, backend)

		r.mu.Lock()
		c.connecting = false
		close(c.connectCh)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		c.session = session
		r.mu.Unlock()
		return session, nil
	}
}

func (r *Router) establishSession(ctx context.Context, backend config.Backend) (*mcp.ClientSession, error) {
	impl := &mcp.Implementation{Name: "mcp-gateway", Version: "1.0.0"}

	httpClient := r.decorateHTTPClient(backend)

	connectCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	attempt := func(transport mcp.Transport) (*mcp.ClientSession, error) {
		cl := mcp.NewClient(impl, nil)
		return cl.Connect(connectCtx, transport, nil)
	}

	streamable := &mcp.StreamableClientTransport{Endpoint: backend.URL, HTTPClient: httpClient}
	sse := &mcp.SSEClientTransport{Endpoint: backend.URL, HTTPClient: httpClient}

	var streamErr error
	if !preferSSE(backend.URL) {
		session, err := attempt(streamable)
		if err == nil {
			go r.monitorSession(backend.Name, session)
			return session, nil
		}
		streamErr = err
	}
	session, err := attempt(sse)
	if err != nil {
		if streamErr != nil {
			return nil, fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err)
		}
		return nil, err
	}
	go r.monitorSession(backend.Name, session)
	return session, nil
}

// monitorSession clears the cached session when the server closes it, so the
// next call dials fresh.
func (r *Router) monitorSession(name string, session *mcp.ClientSession) {
	if err := session.Wait(); err != nil {
		r.opts.Logger.Warn("remote session ended", "backend", name, "error", err)
	}
	r.mu.Lock()
	if c, ok := r.clients[name]; ok && c.session == session {
		c.session = nil
	}
	r.mu.Unlock()
}

func preferSSE(endpoint string) bool {
	return strings.HasSuffix(strings.TrimSpace(endpoint), "/sse")
}

func (r *Router) decorateHTTPClient(backend config.Backend) *http.Client {
	base := r.opts.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next: defaultRoundTripper(base.Transport),
		auth: backend.Auth,
	}
	return &clone
}

// Call invokes a tool on the backend. The breaker is consulted before any
// network activity; connection and call failures count against it, and any
// completed call counts as a success even when the tool reported an error.
func (r *Router) Call(ctx context.Context, backend config.Backend, tool string, args json.RawMessage) (*wire.CallResult, error) {
	if err := r.admit(backend.Name); err != nil {
		return nil, err
	}

	session, err := r.ensureSession(ctx, backend)
	if err != nil {
		r.breakers.RecordFailure(backend.Name)
		return nil, fmt.Errorf("connecting to %q: %w", backend.Name, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	var arguments any
	if len(args) > 0 {
		arguments = json.RawMessage(args)
	}
	res, err := session.CallTool(callCtx, &mcp.CallToolParams{Name: tool, Arguments: arguments})
	if err != nil {
		r.breakers.RecordFailure(backend.Name)
		return nil, fmt.Errorf("calling %q on %q: %w", tool, backend.Name, err)
	}
	r.breakers.RecordSuccess(backend.Name)

	return convertResult(backend.Name, res)
}

// ListTools returns the backend's tool catalog, dialing and caching as
// needed. Results are cached briefly so repeated tools/list requests do not
// hammer remote backends.
func (r *Router) ListTools(ctx context.Context, backend config.Backend) ([]wire.Tool, error) {
	r.mu.Lock()
	if c, ok := r.clients[backend.Name]; ok && c.tools != nil && time.Since(c.toolsFetched) < toolCacheTTL {
		tools := c.tools
		r.mu.Unlock()
		return tools, nil
	}
	r.mu.Unlock()

	if err := r.admit(backend.Name); err != nil {
		return nil, err
	}

	session, err := r.ensureSession(ctx, backend)
	if err != nil {
		r.breakers.RecordFailure(backend.Name)
		return nil, fmt.Errorf("connecting to %q: %w", backend.Name, err)
	}

	listCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	res, err := session.ListTools(listCtx, nil)
	if err != nil {
		r.breakers.RecordFailure(backend.Name)
		return nil, fmt.Errorf("listing tools on %q: %w", backend.Name, err)
	}
	r.breakers.RecordSuccess(backend.Name)

	tools, err := convertTools(res.Tools)
	if err != nil {
		return nil, fmt.Errorf("decoding tool catalog from %q: %w", backend.Name, err)
	}

	r.mu.Lock()
	if c, ok := r.clients[backend.Name]; ok {
		c.tools = tools
		c.toolsFetched = time.Now()
	}
	r.mu.Unlock()
	return tools, nil
}

// Stop closes the backend's session if one is open.
func (r *Router) Stop(name string) {
	r.mu.Lock()
	c, ok := r.clients[name]
	var session *mcp.ClientSession
	if ok {
		session = c.session
		delete(r.clients, name)
	}
	r.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
}

// Close shuts down every open session.
func (r *Router) Close() {
	r.mu.Lock()
	sessions := make([]*mcp.ClientSession, 0, len(r.clients))
	for name, c := range r.clients {
		if c.session != nil {
			sessions = append(sessions, c.session)
		}
		delete(r.clients, name)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}

// convertResult maps the SDK's call result onto the gateway wire types via a
// JSON round-trip, keeping the gateway independent of SDK content structs.
func convertResult(backend string, res *mcp.CallToolResult) (*wire.CallResult, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding result from %q: %w", backend, err)
	}
	var out wire.CallResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding result from %q: %w", backend, err)
	}
	return &out, nil
}

func convertTools(tools []*mcp.Tool) ([]wire.Tool, error) {
	out := make([]wire.Tool, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		var tool wire.Tool
		if err := json.Unmarshal(raw, &tool); err != nil {
			return nil, err
		}
		out = append(out, tool)
	}
	return out, nil
}

type headerDecorator struct {
	next http.RoundTripper
	auth config.Auth
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	switch d.auth.Type {
	case config.AuthBearer:
		if req.Header.Get("Authorization") == "" {
			req.Header.Set("Authorization", "Bearer "+d.auth.Token)
		}
	case config.AuthHeader:
		req.Header.Set(d.auth.Name, d.auth.Value)
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
