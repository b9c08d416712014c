package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/bfx-token-renewal/internal/connection"
	"github.com/rickgao/bfx-token-renewal/internal/renewal"
)

type schedulerView interface {
	Stats() renewal.Stats
	Refresh(ctx context.Context) (renewal.Token, error)
}

type poolView interface {
	Stats() connection.PoolStats
}

// createHealthHandler creates the HTTP handler for health checks and the manual
// refresh endpoint.
func createHealthHandler(sched schedulerView, pool poolView, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		stats := sched.Stats()
		poolStats := pool.Stats()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		token := map[string]any{
			"attempts": stats.Attempts,
			"armed":    stats.Armed,
			"renewing": stats.Renewing,
		}
		switch {
		case stats.ExpiresAt.IsZero():
			health.Status = "degraded"
			token["status"] = "none"
		case time.Now().After(stats.ExpiresAt):
			health.Status = "unhealthy"
			token["status"] = "expired"
			token["expires_at"] = stats.ExpiresAt
		default:
			token["status"] = "valid"
			token["expires_at"] = stats.ExpiresAt
		}
		health.Components["token"] = token

		health.Components["connections"] = map[string]any{
			"open":          poolStats.Open,
			"connected":     poolStats.Connected,
			"authenticated": poolStats.Authenticated,
			"registered":    stats.Registered,
		}
		if poolStats.Open > 0 && poolStats.Authenticated == 0 && health.Status == "healthy" {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("POST /debug/refresh", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		tok, err := sched.Refresh(ctx)
		if err != nil {
			logger.Warn("manual refresh failed", "error", err)
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		logger.Info("manual refresh succeeded", "expires_at", tok.ExpiresAt)
		json.NewEncoder(w).Encode(map[string]any{"expires_at": tok.ExpiresAt})
	})

	return mux
}
