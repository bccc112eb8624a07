// Package localmcp runs MCP servers as child processes and speaks
// line-delimited JSON-RPC with them over stdin/stdout.
package localmcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aihub/mcp-gateway/pkg/config"
	"github.com/aihub/mcp-gateway/pkg/wire"
)

// ErrBackendExited reports that the child process died while calls were in
// flight. The next call to that backend will respawn it.
var ErrBackendExited = errors.New("localmcp: backend process exited")

// ErrCallTimeout reports a call that outlived its deadline. The process keeps
// running; only the pending entry is dropped.
var ErrCallTimeout = errors.New("localmcp: call timed out")

// ErrResponseTooLarge reports a stdout line over the size limit. The stream
// cannot be resynchronized past it, so the process is killed and respawned on
// the next call.
var ErrResponseTooLarge = errors.New("localmcp: backend response too large")

const (
	// Child stdout lines can carry large tool results.
	maxLineBytes     = 10 * 1024 * 1024
	initialLineBytes = 64 * 1024
)

// Options tune a Router. Zero values select the defaults.
type Options struct {
	Logger           *slog.Logger
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	MaxLineBytes     int
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = maxLineBytes
	}
	return opts
}

// Router owns the child processes for local-process backends. One process per
// backend name; startup is deduplicated so concurrent first calls spawn a
// single child.
type Router struct {
	opts Options

	mu    sync.Mutex
	procs map[string]*process

	starting singleflight.Group
}

// NewRouter builds a Router; opts may be nil.
func NewRouter(opts *Options) *Router {
	return &Router{
		opts:  opts.withDefaults(),
		procs: make(map[string]*process),
	}
}

// ensure returns the live process for the backend, spawning and handshaking
// one if needed. Concurrent callers for the same backend share one startup.
func (r *Router) ensure(ctx context.Context, backend config.Backend) (*process, error) {
	r.mu.Lock()
	if p, ok := r.procs[backend.Name]; ok && p.alive() {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	v, err, _ := r.starting.Do(backend.Name, func() (any, error) {
		r.mu.Lock()
		if p, ok := r.procs[backend.Name]; ok && p.alive() {
			r.mu.Unlock()
			return p, nil
		}
		r.mu.Unlock()

		p, err := r.spawn(backend)
		if err != nil {
			return nil, err
		}

		hsCtx, cancel := context.WithTimeout(ctx, r.opts.HandshakeTimeout)
		defer cancel()
		if err := p.handshake(hsCtx); err != nil {
			p.kill()
			return nil, fmt.Errorf("handshake with %q: %w", backend.Name, err)
		}

		r.mu.Lock()
		r.procs[backend.Name] = p
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*process), nil
}

func (r *Router) spawn(backend config.Backend) (*process, error) {
	cmd := exec.Command(backend.Command, backend.Args...)
	if len(backend.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range backend.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe for %q: %w", backend.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %q: %w", backend.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe for %q: %w", backend.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting backend %q: %w", backend.Name, err)
	}

	log := r.opts.Logger.With("backend", backend.Name)
	p := newProcess(backend.Name, stdin, stdout, log)
	p.maxLine = r.opts.MaxLineBytes
	p.wait = cmd.Wait
	p.killProc = func() {
		_ = cmd.Process.Kill()
	}
	p.onExit = func() { r.forget(backend.Name, p) }

	go logStderr(stderr, log)
	go p.readLoop()

	log.Info("spawned local backend", "command", backend.Command, "pid", cmd.Process.Pid)
	return p, nil
}

func (r *Router) forget(name string, p *process) {
	r.mu.Lock()
	if r.procs[name] == p {
		delete(r.procs, name)
	}
	r.mu.Unlock()
	r.opts.Logger.Warn("local backend exited", "backend", name)
}

// ListTools returns the backend's tool catalog, starting it if necessary.
// The catalog is fetched once per process lifetime during the handshake.
func (r *Router) ListTools(ctx context.Context, backend config.Backend) ([]wire.Tool, error) {
	p, err := r.ensure(ctx, backend)
	if err != nil {
		return nil, err
	}
	return p.toolList(), nil
}

// Call invokes a tool on the backend. Timeouts abandon only the one call;
// a dead process fails all in-flight calls and is respawned lazily.
func (r *Router) Call(ctx context.Context, backend config.Backend, tool string, args json.RawMessage) (*wire.CallResult, error) {
	p, err := r.ensure(ctx, backend)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	resp, err := p.roundtrip(callCtx, "tools/call", wire.CallParams{Name: tool, Arguments: args})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tool %q on %q", ErrCallTimeout, tool, backend.Name)
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("backend %q: %w", backend.Name, resp.Error)
	}

	var result wire.CallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding tool result from %q: %w", backend.Name, err)
	}
	return &result, nil
}

// Stop kills the named backend process if it is running.
func (r *Router) Stop(name string) {
	r.mu.Lock()
	p, ok := r.procs[name]
	if ok {
		delete(r.procs, name)
	}
	r.mu.Unlock()
	if ok {
		p.kill()
	}
}

// Close kills every running backend process.
func (r *Router) Close() {
	r.mu.Lock()
	procs := make([]*process, 0, len(r.procs))
	for name, p := range r.procs {
		procs = append(procs, p)
		delete(r.procs, name)
	}
	r.mu.Unlock()
	for _, p := range procs {
		p.kill()
	}
}

// Running reports the names of currently live backend processes.
func (r *Router) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.procs))
	for name, p := range r.procs {
		if p.alive() {
			names = append(names, name)
		}
	}
	return names
}

func logStderr(rd io.Reader, log *slog.Logger) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, initialLineBytes), maxLineBytes)
	for scanner.Scan() {
		log.Warn("backend stderr", "line", scanner.Text())
	}
}
