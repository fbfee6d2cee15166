// Package health reports whether the database answers.
package health

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"visitorlog/httputil"
	"visitorlog/metrics"
)

// ProbeTimeout bounds a single liveness query.
const ProbeTimeout = 2 * time.Second

// Pinger is anything that can run a liveness query.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves GET /api/health.
type Handler struct {
	DB  Pinger
	Log *zap.Logger
	Now func() time.Time
}

type healthyResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Timestamp string `json:"timestamp"`
}

type unhealthyResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ProbeTimeout)
	defer cancel()

	if err := h.DB.Ping(ctx); err != nil {
		metrics.StoreErrors.WithLabelValues("ping").Inc()
		h.Log.Error("health check failed", zap.Error(err))
		httputil.WriteJSON(w, http.StatusServiceUnavailable, unhealthyResponse{
			Status:   "unhealthy",
			Database: "disconnected",
		})
		return
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	httputil.WriteJSON(w, http.StatusOK, healthyResponse{
		Status:    "healthy",
		Database:  "connected",
		Timestamp: now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}
