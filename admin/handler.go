package admin

import (
	"context"
	"crypto/subtle"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"visitorlog/auth"
	"visitorlog/db"
	"visitorlog/httputil"
	"visitorlog/metrics"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	loginBodyLimit  = 4 << 10
)

// Store is the read side of the visitor store.
type Store interface {
	ListVisitors(ctx context.Context, limit, offset int) ([]db.Visitor, error)
	CountVisitors(ctx context.Context) (int, error)
	Ready() bool
}

// Handler holds dependencies for admin endpoints.
type Handler struct {
	Store        Store
	Username     string
	PasswordHash string
	JWTSecret    string
	Log          *zap.Logger
	Now          func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// HandleLogin authenticates the admin user and returns a JWT.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := httputil.DecodeJSON(w, r, loginBodyLimit, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request")
		return
	}

	usernameOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.Username)) == 1
	passwordOK := auth.CheckPassword(h.PasswordHash, req.Password)
	if !usernameOK || !passwordOK {
		h.Log.Warn("admin login failed", zap.String("username", req.Username))
		httputil.WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.GenerateToken(h.Username, h.JWTSecret, h.now())
	if err != nil {
		h.Log.Error("sign admin token", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

type listResponse struct {
	Visitors []db.Visitor `json:"visitors"`
	Total    int          `json:"total"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
}

// HandleListVisitors returns a page of visitors, newest first.
func (h *Handler) HandleListVisitors(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit < 1 {
		httputil.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		httputil.WriteError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	visitors, err := h.Store.ListVisitors(r.Context(), limit, offset)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list").Inc()
		h.Log.Error("admin list visitors", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list visitors")
		return
	}
	total, err := h.Store.CountVisitors(r.Context())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("count").Inc()
		h.Log.Error("admin count visitors", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list visitors")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, listResponse{
		Visitors: visitors,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// HandleStatus returns process and database stats.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := map[string]interface{}{
		"system": map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"memory_mb":  m.Alloc / 1024 / 1024,
			"go_version": runtime.Version(),
		},
	}

	database := map[string]interface{}{"schema_ready": h.Store.Ready()}
	if total, err := h.Store.CountVisitors(r.Context()); err != nil {
		h.Log.Error("admin status: count visitors", zap.Error(err))
	} else {
		database["total_visitors"] = total
	}
	stats["database"] = database

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}
