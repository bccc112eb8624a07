package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aihub/mcp-gateway/pkg/sessions"
)

const quotaRetryAfterSeconds = 30

type errorBody struct {
	OK    bool        `json:"ok"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{Code: code, Message: message, RetryAfter: retryAfter},
	})
}

// handleSSE performs the handshake: authenticate, admit against quotas, emit
// the endpoint frame, then hold the stream open with heartbeats until the
// client disconnects or the registry releases the session.
func (g *Gateway) handleSSE(w http.ResponseWriter, r *http.Request) {
	snap := g.snapshot()

	credential, ok := snap.Authenticate(bearerToken(r))
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credential", 0)
		return
	}

	session, err := g.sessions.Admit(credential)
	if err != nil {
		msg := "connection limit reached for this credential"
		if err == sessions.ErrGlobalQuota {
			msg = "gateway connection limit reached"
		}
		writeJSONError(w, http.StatusTooManyRequests, "quota_exceeded", msg, quotaRetryAfterSeconds)
		return
	}
	defer g.sessions.Release(session.ID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ": mcp-gateway session %s\n\n", session.ID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", g.endpointURL(r, session.ID))
	flusher.Flush()

	g.logger.Info("session opened", "session", session.ID, "credential", credential)
	defer g.logger.Info("session closed", "session", session.ID)

	heartbeat := time.NewTicker(g.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-session.Reconnect():
			writeReconnect(w, flusher)
		case <-session.Done():
			// The sweeper signals reconnect and releases in one pass, so
			// both channels can be ready at once. Make sure the notice
			// still goes out before the stream closes.
			select {
			case <-session.Reconnect():
				writeReconnect(w, flusher)
			default:
			}
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeReconnect(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprint(w, "event: reconnect\ndata: session lifetime reached, reconnect\n\n")
	flusher.Flush()
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found {
		return ""
	}
	return token
}

// endpointURL builds the absolute message-POST URL announced in the endpoint
// frame. The configured public URL wins over the request's own host.
func (g *Gateway) endpointURL(r *http.Request, sessionID string) string {
	snap := g.snapshot()
	base := strings.TrimSuffix(snap.Server.BasePath, "/")

	origin := strings.TrimSuffix(snap.Server.PublicURL, "/")
	if origin == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		origin = scheme + "://" + r.Host
	}
	return fmt.Sprintf("%s%s/messages?clientId=%s", origin, base, sessionID)
}
