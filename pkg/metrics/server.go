package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Route is an extra endpoint served next to /metrics, such as the health
// probes of a process that has no API server of its own.
type Route struct {
	Pattern string
	Handler http.Handler
}

// StartServer serves /metrics and routes on port in the background and
// returns its shutdown func.
func StartServer(port int, routes ...Route) (shutdown func(context.Context) error) {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      newServeMux(routes),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", "addr", server.Addr, "routes", len(routes))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return server.Shutdown
}

func newServeMux(routes []Route) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	for _, r := range routes {
		mux.Handle(r.Pattern, r.Handler)
	}
	return mux
}
