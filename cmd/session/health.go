package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/deribit-session/internal/session"
)

// sessionView is the part of *session.Session the HTTP handlers read.
type sessionView interface {
	Stats() session.Stats
	AuthState() session.AuthState
	Subscriptions() []session.Subscription
}

// pinger reports database reachability. A nil pinger means no database.
type pinger interface {
	Ping(ctx context.Context) error
}

type subscriptionView struct {
	Channel       string    `json:"channel"`
	Status        string    `json:"status"`
	RequiresAuth  bool      `json:"requires_auth"`
	LastConfirmed time.Time `json:"last_confirmed,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// createHealthHandler serves /health and the /debug endpoints. metrics is
// mounted at metricsPath when non-nil.
func createHealthHandler(s sessionView, db pinger, metrics http.Handler, metricsPath string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		stats := s.Stats()
		health.Components["session"] = map[string]any{
			"phase":                stats.Phase,
			"epoch":                stats.Epoch,
			"reconnect_attempts":   stats.ReconnectAttempts,
			"subscriptions":        stats.Subscriptions,
			"active_subscriptions": stats.ActiveSubscriptions,
		}
		switch stats.Phase {
		case "ready":
		case "fatal", "closed":
			health.Status = "unhealthy"
		default:
			health.Status = "degraded"
		}
		if stats.ActiveSubscriptions < stats.Subscriptions && health.Status == "healthy" {
			health.Status = "degraded"
		}

		authState := s.AuthState()
		health.Components["auth"] = map[string]any{
			"status":     authState.Status,
			"expires_at": authState.ExpiresAt,
		}
		if authState.Status == session.AuthFailed && health.Status == "healthy" {
			health.Status = "degraded"
		}

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Debug("write health response", "error", err)
		}
	})

	mux.HandleFunc("/debug/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		subs := s.Subscriptions()
		out := make([]subscriptionView, 0, len(subs))
		for _, sub := range subs {
			v := subscriptionView{
				Channel:       sub.Channel,
				Status:        string(sub.Status),
				RequiresAuth:  sub.RequiresAuth,
				LastConfirmed: sub.LastConfirmed,
			}
			if sub.Err != nil {
				v.Error = sub.Err.Error()
			}
			out = append(out, v)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":         len(out),
			"subscriptions": out,
		})
	})

	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Stats())
	})

	if metrics != nil {
		mux.Handle(metricsPath, metrics)
	}
	return mux
}
