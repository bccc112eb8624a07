// Package gateway implements the client-facing SSE/JSON-RPC surface of the
// MCP hub: session admission, message dispatch, and routing of tool calls to
// local-process and external backends.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/cors"

	"github.com/aihub/mcp-gateway/pkg/breaker"
	"github.com/aihub/mcp-gateway/pkg/catalog"
	"github.com/aihub/mcp-gateway/pkg/config"
	"github.com/aihub/mcp-gateway/pkg/localmcp"
	"github.com/aihub/mcp-gateway/pkg/remotemcp"
	"github.com/aihub/mcp-gateway/pkg/sessions"
)

// Gateway is the protocol handler. Configuration is an immutable snapshot
// swapped atomically on reload; breaker and session state persist across
// reloads because they are keyed by backend name and session ID.
type Gateway struct {
	opts   Options
	logger *slog.Logger

	cfg atomic.Pointer[config.Snapshot]

	sessions *sessions.Registry
	breakers *breaker.Registry
	local    catalog.LocalRouter
	remote   catalog.RemoteRouter
	agg      *catalog.Aggregator

	// Concrete routers, retained for lifecycle calls when built internally.
	localRouter  *localmcp.Router
	remoteRouter *remotemcp.Router

	startedAt time.Time

	mu     sync.Mutex
	server *http.Server
}

// New builds a Gateway from a configuration snapshot; opts may be nil.
func New(snap *config.Snapshot, opts *Options) (*Gateway, error) {
	if snap == nil {
		return nil, errors.New("gateway: nil configuration snapshot")
	}

	g := &Gateway{
		opts:      opts.withDefaults(),
		startedAt: time.Now(),
	}
	g.logger = g.opts.Logger
	g.cfg.Store(snap)

	g.breakers = g.opts.Breakers
	if g.breakers == nil {
		g.breakers = breaker.NewRegistry(nil)
	}
	g.sessions = g.opts.Sessions
	if g.sessions == nil {
		g.sessions = sessions.NewRegistry(&sessions.Options{Logger: g.logger})
	}

	g.local = g.opts.Local
	if g.local == nil {
		g.localRouter = localmcp.NewRouter(&localmcp.Options{
			Logger:           g.logger,
			HandshakeTimeout: snap.Timeouts.Handshake.Std(),
			CallTimeout:      snap.Timeouts.Call.Std(),
		})
		g.local = g.localRouter
	}
	g.remote = g.opts.Remote
	if g.remote == nil {
		g.remoteRouter = remotemcp.NewRouter(g.breakers, &remotemcp.Options{
			Logger:         g.logger,
			ConnectTimeout: snap.Timeouts.Handshake.Std(),
			CallTimeout:    snap.Timeouts.Call.Std(),
		})
		g.remote = g.remoteRouter
	}

	g.agg = catalog.NewAggregator(g.local, g.remote, g.logger)
	if err := g.registerHubTools(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) snapshot() *config.Snapshot {
	return g.cfg.Load()
}

// Reload swaps in a new configuration snapshot. Backends that disappeared
// from the configuration get their local processes and remote sessions
// stopped; breaker and session state carry over untouched.
func (g *Gateway) Reload(snap *config.Snapshot) {
	old := g.cfg.Swap(snap)

	kept := make(map[string]struct{}, len(snap.Backends))
	for _, b := range snap.EnabledBackends() {
		kept[b.Name] = struct{}{}
	}
	for _, b := range old.Backends {
		if _, ok := kept[b.Name]; ok {
			continue
		}
		switch b.Kind {
		case config.KindLocalProcess:
			if g.localRouter != nil {
				g.localRouter.Stop(b.Name)
			}
		case config.KindExternalHTTP:
			if g.remoteRouter != nil {
				g.remoteRouter.Stop(b.Name)
			}
		}
	}
	g.logger.Info("configuration reloaded",
		"backends", len(snap.EnabledBackends()), "credentials", len(snap.Credentials))
}

// Handler returns the gateway's HTTP surface: the SSE handshake, the message
// endpoint, and the unauthenticated health document, wrapped in CORS.
func (g *Gateway) Handler() http.Handler {
	base := strings.TrimSuffix(g.snapshot().Server.BasePath, "/")

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+base+"/sse", g.handleSSE)
	mux.HandleFunc("POST "+base+"/messages", g.handleMessage)
	mux.HandleFunc("GET /healthz", g.handleHealth)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(mux)
}

// ListenAndServe runs the HTTP server and the session sweeper until the
// context is cancelled, then shuts down gracefully.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	snap := g.snapshot()
	srv := &http.Server{
		Addr:              snap.Server.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.mu.Lock()
	g.server = srv
	g.mu.Unlock()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go g.sessions.Run(sweepCtx, g.opts.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", snap.Server.Addr, "base_path", snap.Server.BasePath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	}
}

// Shutdown releases every session, stops backend connections, and closes the
// HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("gateway shutting down", "active_sessions", g.sessions.Len())
	g.sessions.ReleaseAll()
	if g.localRouter != nil {
		g.localRouter.Close()
	}
	if g.remoteRouter != nil {
		g.remoteRouter.Close()
	}

	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}
