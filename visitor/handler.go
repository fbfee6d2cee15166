// Package visitor accepts visitor registrations over HTTP.
package visitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"visitorlog/db"
	"visitorlog/httputil"
	"visitorlog/metrics"
)

// MaxBodyBytes caps the size of a submission body.
const MaxBodyBytes int64 = 10 << 10

// Store is the persistence the handler needs.
type Store interface {
	InsertVisitor(ctx context.Context, v db.NewVisitor) (db.Visitor, error)
}

// Handler holds dependencies for the visitor endpoints.
type Handler struct {
	Store Store
	Log   *zap.Logger
}

type createdVisitor struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"firstName"`
	Company   string    `json:"company"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

type createResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    createdVisitor `json:"data"`
}

type validationResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details"`
}

// HandleCreate stores one visitor submission. POST /api/visitors
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var raw RawSubmission
	if err := httputil.DecodeJSON(w, r, MaxBodyBytes, &raw); err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if details := Validate(raw); len(details) > 0 {
		metrics.ValidationFailures.Inc()
		httputil.WriteJSON(w, http.StatusBadRequest, validationResponse{
			Error:   "Missing or invalid fields",
			Details: details,
		})
		return
	}

	v, err := h.Store.InsertVisitor(r.Context(), Sanitize(raw))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("insert").Inc()
		h.Log.Error("failed to save visitor",
			zap.String("request_id", httputil.GetRequestID(r.Context())),
			zap.Error(err),
		)
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to save visitor information")
		return
	}

	metrics.VisitorsCreated.Inc()
	httputil.WriteJSON(w, http.StatusCreated, createResponse{
		Success: true,
		Message: "Visitor information saved successfully",
		Data: createdVisitor{
			ID:        v.ID,
			FirstName: v.FirstName,
			Company:   v.Company,
			Role:      v.Role,
			Timestamp: v.Timestamp,
		},
	})
}
