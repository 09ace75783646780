package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/helpdesk-relay/internal/cluster"
	"github.com/Tyrowin/helpdesk-relay/internal/protocol"
)

// Gateway accepts client connections for one worker: it binds the handshake
// identity and hands the connection to the hub.
type Gateway struct {
	hub      *Hub
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewGateway creates the gateway for hub.
func NewGateway(hub *Hub, origins *OriginPolicy, logger *zap.Logger) *Gateway {
	return &Gateway{
		hub:     hub,
		origins: origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		logger: logger,
	}
}

// WebSocketHandler validates the handshake identity and, only if it is
// present, upgrades the connection and registers it. A missing username is
// refused before any connection state is created.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, err := protocol.ParseIdentity(r.URL.Query())
	if err != nil {
		g.logger.Info("handshake refused", zap.String("addr", r.RemoteAddr), zap.Error(err))
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
		return
	}

	// The hub launches the pump goroutines once the client is registered.
	g.hub.Register(NewClient(conn, g.hub, r.RemoteAddr, identity))
}

// NegotiateHandler answers the pre-upgrade negotiation with this worker's id
// and the affinity token the primary routed the request with.
func (g *Gateway) NegotiateHandler(w http.ResponseWriter, r *http.Request) {
	affinity := r.Header.Get(cluster.AffinityHeader)
	if affinity == "" {
		affinity = cluster.AffinityToken(r)
	}
	writeJSON(w, http.StatusOK, protocol.Negotiation{
		Worker:       g.hub.NodeID(),
		Affinity:     affinity,
		Path:         "/ws",
		PingInterval: int(pingPeriod.Milliseconds()),
	})
}

// HealthHandler provides a simple liveness text response.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Helpdesk relay is running!")
}

// HealthzHandler reports the worker id and its live connection count.
func (g *Gateway) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"worker":      g.hub.NodeID(),
		"connections": g.hub.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if errors.Is(err, protocol.ErrAuthentication) {
		msg = protocol.ErrAuthentication.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// TestPageHandler serves a small HTML page for trying the relay by hand.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Helpdesk Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input { padding: 5px; margin-right: 6px; }
    </style>
</head>
<body>
    <h1>Helpdesk Relay Test</h1>
    <div>
        <input id="username" placeholder="username">
        <select id="role"><option value="user">user</option><option value="helper">helper</option></select>
        <input id="nickname" placeholder="nickname">
        <button onclick="connect()">Connect</button>
    </div>
    <div>
        <input id="room" placeholder="room (recipient)">
        <button onclick="join()">Join</button>
        <input id="message" placeholder="message">
        <button onclick="send()">Send</button>
    </div>
    <div id="log"></div>
    <script>
        let ws = null;
        const $ = (id) => document.getElementById(id);
        function log(text) {
            const line = document.createElement('div');
            line.textContent = text;
            $('log').appendChild(line);
            $('log').scrollTop = $('log').scrollHeight;
        }
        function connect() {
            const q = new URLSearchParams({username: $('username').value, role: $('role').value, nickname: $('nickname').value});
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(proto + location.host + '/ws?' + q.toString());
            ws.onopen = () => log('connected');
            ws.onmessage = (e) => log(e.data);
            ws.onclose = () => log('closed');
        }
        function join() {
            ws.send(JSON.stringify({op: 'join', data: {recipient: $('room').value, role: $('role').value, loggedInUserId: $('username').value}}));
        }
        function send() {
            ws.send(JSON.stringify({op: 'send', room: $('room').value, data: $('message').value}));
            $('message').value = '';
        }
    </script>
</body>
</html>`
