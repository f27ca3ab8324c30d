package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"storyforge/internal/gateway/handler"
	"storyforge/internal/gateway/middleware"
)

// NewMux wires the run API, the progress websocket and the operational
// endpoints behind the CORS and request-log middleware.
func NewMux(runHandler *handler.RunHandler, progressHandler http.Handler, origins []string, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	runHandler.Register(mux)
	mux.Handle("GET /ws/progress", progressHandler)

	// Operational endpoints
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	// Middleware
	if logger == nil {
		logger = zap.NewNop()
	}
	return middleware.CORS(origins)(middleware.RequestLog(logger)(mux))
}
