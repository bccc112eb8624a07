// Package sessions tracks live SSE client sessions and enforces the global
// and per-credential connection quotas. Session records are the gateway's only
// per-client state; everything else is rebuilt from configuration.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Quota and sweep defaults.
const (
	DefaultMaxGlobal        = 100
	DefaultMaxPerCredential = 10
	DefaultIdleTimeout      = 60 * time.Second
	DefaultMaxLifetime      = time.Hour
	DefaultSweepInterval    = 60 * time.Second
)

// ErrGlobalQuota is returned by Admit when the gateway-wide session cap is hit.
var ErrGlobalQuota = errors.New("sessions: global connection limit reached")

// ErrCredentialQuota is returned by Admit when one credential's cap is hit.
var ErrCredentialQuota = errors.New("sessions: credential connection limit reached")

// Session is one live SSE connection. The SSE handler waits on Done to learn
// that the registry released the session, and on Reconnect for the lifetime
// expiry notice that must reach the client before the stream closes.
type Session struct {
	ID            string
	Credential    string
	EstablishedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time

	dispatchMu sync.Mutex

	reconnect chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed exactly once when the session is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reconnect delivers at most one lifetime-expiry notice.
func (s *Session) Reconnect() <-chan struct{} { return s.reconnect }

// LastActivity returns the most recent touch time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Serialize runs fn while holding the session's dispatch lock, so messages on
// one session are processed in arrival order.
func (s *Session) Serialize(fn func()) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	fn()
}

func (s *Session) signalReconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// Options tune a Registry. Zero values select the defaults.
type Options struct {
	MaxGlobal        int
	MaxPerCredential int
	IdleTimeout      time.Duration
	MaxLifetime      time.Duration
	Logger           *slog.Logger
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.MaxGlobal <= 0 {
		opts.MaxGlobal = DefaultMaxGlobal
	}
	if opts.MaxPerCredential <= 0 {
		opts.MaxPerCredential = DefaultMaxPerCredential
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = DefaultMaxLifetime
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return opts
}

// Registry is the admission-control table for SSE sessions. Safe for
// concurrent use from every request flow.
type Registry struct {
	opts Options

	mu            sync.Mutex
	sessions      map[string]*Session
	perCredential map[string]int
}

// NewRegistry builds a Registry; opts may be nil.
func NewRegistry(opts *Options) *Registry {
	return &Registry{
		opts:          opts.withDefaults(),
		sessions:      make(map[string]*Session),
		perCredential: make(map[string]int),
	}
}

// Admit allocates a session for the credential, or reports which quota was
// exceeded. The returned session is already counted against both quotas.
func (r *Registry) Admit(credential string) (*Session, error) {
	now := r.opts.Clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.opts.MaxGlobal {
		return nil, ErrGlobalQuota
	}
	if r.perCredential[credential] >= r.opts.MaxPerCredential {
		return nil, ErrCredentialQuota
	}

	s := &Session{
		ID:            uuid.NewString(),
		Credential:    credential,
		EstablishedAt: now,
		lastActivity:  now,
		reconnect:     make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	r.sessions[s.ID] = s
	r.perCredential[credential]++
	return s, nil
}

// Get looks up a live session by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Touch refreshes the session's activity timestamp. Unknown IDs are ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		s.touch(r.opts.Clock())
	}
}

// Release removes the session and frees both quota slots. It is idempotent:
// repeated calls for the same ID are no-ops, so counters never underflow.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		if r.perCredential[s.Credential] > 1 {
			r.perCredential[s.Credential]--
		} else {
			delete(r.perCredential, s.Credential)
		}
	}
	r.mu.Unlock()

	if ok {
		s.closeOnce.Do(func() { close(s.done) })
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ActiveForCredential reports the live session count for one credential.
func (r *Registry) ActiveForCredential(credential string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perCredential[credential]
}

// Sweep releases sessions idle past the idle timeout and, for sessions past
// the maximum lifetime, signals a reconnect notice before releasing them.
func (r *Registry) Sweep() {
	now := r.opts.Clock()

	r.mu.Lock()
	var idle, expired []*Session
	for _, s := range r.sessions {
		switch {
		case now.Sub(s.EstablishedAt) > r.opts.MaxLifetime:
			expired = append(expired, s)
		case now.Sub(s.LastActivity()) > r.opts.IdleTimeout:
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.opts.Logger.Info("session lifetime expired, asking client to reconnect",
			"session", s.ID, "credential", s.Credential)
		s.signalReconnect()
		r.Release(s.ID)
	}
	for _, s := range idle {
		r.opts.Logger.Info("releasing idle session",
			"session", s.ID, "credential", s.Credential)
		r.Release(s.ID)
	}
}

// Run sweeps on the given interval until the context is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// ReleaseAll drops every session, used during graceful shutdown.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Release(id)
	}
}
