package gateway

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

type healthReport struct {
	OK                bool              `json:"ok"`
	UptimeSeconds     int               `json:"uptime_seconds"`
	ActiveConnections int               `json:"active_connections"`
	HeapBytes         uint64            `json:"heap_bytes"`
	Backends          int               `json:"backends"`
	Breakers          map[string]string `json:"breakers"`
}

// handleHealth serves the unauthenticated health document. It reads only
// in-memory state, so it stays responsive while backends are degraded.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	breakers := make(map[string]string)
	for name, state := range g.breakers.Snapshot() {
		breakers[name] = string(state)
	}

	report := healthReport{
		OK:                true,
		UptimeSeconds:     int(time.Since(g.startedAt).Seconds()),
		ActiveConnections: g.sessions.Len(),
		HeapBytes:         mem.HeapAlloc,
		Backends:          len(g.snapshot().EnabledBackends()),
		Breakers:          breakers,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
