package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/config"
)

// Options configures the HTTP surface of the signaling server.
type Options struct {
	Heartbeat      config.Heartbeat
	MaxMessageSize int64
	SendBuffer     int
	AllowedOrigins []string
}

// OptionsFromConfig copies the relevant server settings.
func OptionsFromConfig(cfg *config.ServerConfig) Options {
	return Options{
		Heartbeat:      cfg.Heartbeat,
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
	}
}

// checkOrigin allows non-browser clients (no Origin header) and, when a
// list is configured, only the listed browser origins.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimSuffix(a, "/"), u.Scheme+"://"+u.Host) {
				return true
			}
		}
		return false
	}
}

// ServeWs returns an http.HandlerFunc that handles websocket requests.
func ServeWs(ctx context.Context, hub *Hub, opts Options) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection", zap.Error(err))
			return
		}

		client := NewClient(hub, conn, opts.SendBuffer, opts.Heartbeat, opts.MaxMessageSize)
		if !hub.Attach(client) {
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump(ctx)
	}
}

// Health Check endpoint
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

// NewRouter wires /ws, /health and, when gatherer is not nil, /metrics.
func NewRouter(ctx context.Context, hub *Hub, opts Options, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthCheckHandler)
	mux.HandleFunc("/ws", ServeWs(ctx, hub, opts))
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
