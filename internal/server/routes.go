package server

import "net/http"

// SetupRoutes configures the worker's HTTP routes: liveness, negotiation,
// the websocket endpoint and the test page.
func (g *Gateway) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/healthz", g.HealthzHandler)
	mux.Handle("/negotiate", g.origins.CORS(http.HandlerFunc(g.NegotiateHandler)))
	mux.HandleFunc("/ws", g.WebSocketHandler)
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}
