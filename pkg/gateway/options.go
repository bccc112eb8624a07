package gateway

import (
	"log/slog"
	"time"

	"github.com/aihub/mcp-gateway/pkg/breaker"
	"github.com/aihub/mcp-gateway/pkg/catalog"
	"github.com/aihub/mcp-gateway/pkg/sessions"
)

// Default protocol-surface settings.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSweepInterval     = 60 * time.Second
	DefaultMaxResponseBytes  = 10 * 1024 * 1024
)

// Options configure a Gateway. Zero values select the defaults; the router
// and registry fields exist so tests can inject fakes.
type Options struct {
	Logger *slog.Logger

	// HeartbeatInterval paces the SSE comment frames.
	HeartbeatInterval time.Duration
	// SweepInterval paces the session registry sweep.
	SweepInterval time.Duration
	// MaxResponseBytes caps serialized tool results.
	MaxResponseBytes int

	// Local and Remote override the routers built from configuration.
	Local  catalog.LocalRouter
	Remote catalog.RemoteRouter
	// Sessions overrides the connection registry.
	Sessions *sessions.Registry
	// Breakers overrides the circuit breaker registry.
	Breakers *breaker.Registry
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	return opts
}
