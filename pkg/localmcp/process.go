package localmcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aihub/mcp-gateway/pkg/wire"
)

// process is one live child speaking line-delimited JSON-RPC. The transport
// is plain reader/writer pairs so tests can drive it over in-memory pipes.
type process struct {
	name string
	log  *slog.Logger

	stdin   io.WriteCloser
	writeMu sync.Mutex

	stdout  io.Reader
	maxLine int

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *wire.Response

	toolsMu sync.Mutex
	tools   []wire.Tool

	done     chan struct{}
	wait     func() error
	killProc func()
	onExit   func()
	exitOnce sync.Once

	// exitErr, when set, replaces the generic exit error surfaced to
	// drained calls. Written once before done closes.
	exitErr error
}

func newProcess(name string, stdin io.WriteCloser, stdout io.Reader, log *slog.Logger) *process {
	return &process{
		name:    name,
		log:     log,
		stdin:   stdin,
		stdout:  stdout,
		maxLine: maxLineBytes,
		pending: make(map[int64]chan *wire.Response),
		done:    make(chan struct{}),
	}
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// handshake runs initialize, notifications/initialized, and the initial
// tools/list against the child.
func (p *process) handshake(ctx context.Context) error {
	initParams := map[string]any{
		"protocolVersion": wire.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "mcp-gateway",
			"version": "1.0.0",
		},
	}
	if _, err := p.roundtrip(ctx, "initialize", initParams); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := p.notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	resp, err := p.roundtrip(ctx, "tools/list", map[string]any{})
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("tools/list: %w", resp.Error)
	}
	var list wire.ListToolsResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		return fmt.Errorf("decoding tools/list result: %w", err)
	}

	p.toolsMu.Lock()
	p.tools = list.Tools
	p.toolsMu.Unlock()
	return nil
}

func (p *process) toolList() []wire.Tool {
	p.toolsMu.Lock()
	defer p.toolsMu.Unlock()
	out := make([]wire.Tool, len(p.tools))
	copy(out, p.tools)
	return out
}

// roundtrip sends one request and waits for the correlated response, the
// context deadline, or process exit, whichever comes first. A deadline only
// abandons this call's pending entry.
func (p *process) roundtrip(ctx context.Context, method string, params any) (*wire.Response, error) {
	if !p.alive() {
		return nil, p.exitError()
	}

	id := p.nextID.Add(1)
	ch := make(chan *wire.Response, 1)

	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()

	if err := p.send(id, method, params); err != nil {
		p.removePending(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, p.exitError()
		}
		return resp, nil
	case <-ctx.Done():
		p.removePending(id)
		return nil, ctx.Err()
	case <-p.done:
		p.removePending(id)
		return nil, p.exitError()
	}
}

// exitError reports why the process is gone. Only valid once done is closed
// or a pending call has been drained.
func (p *process) exitError() error {
	if p.exitErr != nil {
		return p.exitErr
	}
	return fmt.Errorf("%w: %s", ErrBackendExited, p.name)
}

func (p *process) removePending(id int64) {
	p.pendingMu.Lock()
	delete(p.pending, id)
	p.pendingMu.Unlock()
}

func (p *process) send(id int64, method string, params any) error {
	req := wire.Request{
		JSONRPC: wire.Version,
		Method:  method,
	}
	if id > 0 {
		rawID, err := json.Marshal(id)
		if err != nil {
			return err
		}
		req.ID = rawID
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		req.Params = raw
	}

	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(line); err != nil {
		return fmt.Errorf("writing to %s: %w", p.name, err)
	}
	return nil
}

func (p *process) notify(method string, params any) error {
	return p.send(0, method, params)
}

// readLoop owns stdout. Lines that are not valid JSON-RPC responses are
// logged and skipped; responses whose ID matches no pending call are
// discarded. When stdout closes the loop drains every pending call.
func (p *process) readLoop() {
	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, min(initialLineBytes, p.maxLine)), p.maxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp wire.Response
		if err := json.Unmarshal(line, &resp); err != nil || resp.JSONRPC != wire.Version {
			p.log.Debug("skipping unparseable stdout line")
			continue
		}
		if len(resp.ID) == 0 {
			// Server-initiated notification; the gateway does not route these.
			continue
		}

		var id int64
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			p.log.Debug("skipping response with non-numeric id")
			continue
		}

		p.pendingMu.Lock()
		ch, ok := p.pending[id]
		if ok {
			delete(p.pending, id)
		}
		p.pendingMu.Unlock()

		if !ok {
			p.log.Debug("discarding orphan response", "id", id)
			continue
		}
		respCopy := resp
		ch <- &respCopy
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			// The stream cannot be resynchronized past an oversized
			// line. Kill the child so wait() returns, and surface the
			// size limit to the drained calls instead of a bare exit.
			p.log.Error("backend stdout line exceeded size limit", "limit_bytes", p.maxLine)
			p.kill()
			p.shutdown(fmt.Errorf("%w: %s emitted a line over %d bytes", ErrResponseTooLarge, p.name, p.maxLine))
			return
		}
		p.log.Warn("reading backend stdout", "error", err)
	}

	p.shutdown(nil)
}

// shutdown marks the process dead and fails every in-flight call. A non-nil
// reason replaces the generic exit error those calls would otherwise see.
func (p *process) shutdown(reason error) {
	p.exitOnce.Do(func() {
		p.exitErr = reason
		if p.wait != nil {
			_ = p.wait()
		}
		close(p.done)

		p.pendingMu.Lock()
		drained := len(p.pending)
		for id, ch := range p.pending {
			delete(p.pending, id)
			ch <- nil
		}
		p.pendingMu.Unlock()

		if drained > 0 {
			p.log.Warn("failed in-flight calls after backend exit", "count", drained)
		}
		if p.onExit != nil {
			p.onExit()
		}
	})
}

func (p *process) kill() {
	_ = p.stdin.Close()
	if p.killProc != nil {
		p.killProc()
	}
}
