// Package admin exposes HTTP handlers, including the diagnostics WebSocket
// upgrade, the health check, and the built-in diagnostics page.
package admin

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Handlers serves the admin endpoints for one relay.
type Handlers struct {
	hub      *Hub
	status   Status
	upgrader websocket.Upgrader
}

// NewHandlers creates handlers reporting on status and streaming hub lines
// to observers whose Origin is in origins. "*" allows every origin.
func NewHandlers(hub *Hub, status Status, origins []string) *Handlers {
	policy := newOriginPolicy(origins)
	return &Handlers{
		hub:    hub,
		status: status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
	}
}

// Diagnostics upgrades GET requests to a WebSocket and registers the
// connection as an observer of the log feed.
func (h *Handlers) Diagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. Diagnostics endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("diagnostics upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	observer := NewObserver(conn, h.hub, r.RemoteAddr)

	// The hub launches the pump goroutines.
	select {
	case h.hub.register <- observer:
	case <-h.hub.ctx.Done():
		_ = conn.Close()
	}
}

// Health reports whether the relay is accepting connections.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !h.status.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, "GoChat relay is stopped")
		return
	}
	_, _ = fmt.Fprintf(w, "GoChat relay is running (%d clients)", h.status.ConnectionCount())
}

// DiagnosticsPage serves a minimal HTML page that tails the diagnostics feed.
func (h *Handlers) DiagnosticsPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, diagnosticsPage); err != nil {
		slog.Debug("error writing HTML response", "error", err)
	}
}

const diagnosticsPage = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Relay Diagnostics</title>
    <style>
        body { font-family: monospace; margin: 20px; }
        #lines {
            border: 1px solid #ccc;
            height: 480px;
            padding: 10px;
            overflow-y: scroll;
            white-space: pre-wrap;
            background-color: #f9f9f9;
        }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat Relay Diagnostics</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div id="lines"></div>

    <script>
        const linesDiv = document.getElementById('lines');
        const statusDiv = document.getElementById('status');
        const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
        const ws = new WebSocket(scheme + location.host + '/ws');

        ws.onopen = function() {
            statusDiv.textContent = 'Connected';
            statusDiv.className = 'status connected';
        };

        ws.onmessage = function(event) {
            linesDiv.appendChild(document.createTextNode(event.data));
            linesDiv.scrollTop = linesDiv.scrollHeight;
        };

        ws.onclose = function() {
            statusDiv.textContent = 'Disconnected';
            statusDiv.className = 'status disconnected';
        };
    </script>
</body>
</html>`
