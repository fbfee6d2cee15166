package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"visitorlog/admin"
	"visitorlog/auth"
	"visitorlog/db"
	"visitorlog/health"
	"visitorlog/httputil"
	"visitorlog/logging"
	"visitorlog/metrics"
	"visitorlog/ratelimit"
	"visitorlog/static"
	"visitorlog/visitor"
)

const (
	loginRateLimit = 5
	schemaTimeout  = 30 * time.Second
)

type App struct {
	cfg   Config
	log   *zap.Logger
	store *db.Store
	site  fs.FS

	limiter      *ratelimit.RateLimiter
	loginLimiter *ratelimit.RateLimiter
}

func newApp(cfg Config, log *zap.Logger, store *db.Store, site fs.FS, opts ...ratelimit.Option) *App {
	return &App{
		cfg:   cfg,
		log:   log,
		store: store,
		site:  site,
		limiter: ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow,
			append([]ratelimit.Option{ratelimit.WithName("visitors")}, opts...)...),
		loginLimiter: ratelimit.New(loginRateLimit, cfg.RateLimitWindow,
			append([]ratelimit.Option{ratelimit.WithName("admin_login")}, opts...)...),
	}
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httputil.SecurityHeaders)
	r.Use(httputil.RequestID)
	r.Use(httputil.RequestLogger(a.log))
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	if len(a.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	visitors := &visitor.Handler{Store: a.store, Log: a.log}
	r.With(ratelimit.Middleware(a.limiter, a.log)).Post("/api/visitors", visitors.HandleCreate)
	r.Method(http.MethodGet, "/api/health", &health.Handler{DB: a.store, Log: a.log})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if a.cfg.AdminEnabled() {
		adm := &admin.Handler{
			Store:        a.store,
			Username:     a.cfg.AdminUsername,
			PasswordHash: a.cfg.AdminPasswordHash,
			JWTSecret:    a.cfg.AdminJWTSecret,
			Log:          a.log,
		}
		r.With(ratelimit.Middleware(a.loginLimiter, a.log)).Post("/api/admin/login", adm.HandleLogin)
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(a.cfg.AdminJWTSecret))
			r.Get("/api/admin/visitors", adm.HandleListVisitors)
			r.Get("/api/admin/status", adm.HandleStatus)
		})
	}

	// Everything else is the single-page site.
	site := static.Handler(a.site)
	r.Method(http.MethodGet, "/*", site)
	r.Method(http.MethodHead, "/*", site)

	return r
}

// startSweepers runs the rate limiter sweeps until ctx is cancelled.
func (a *App) startSweepers(ctx context.Context, wg *sync.WaitGroup) {
	for _, rl := range []*ratelimit.RateLimiter{a.limiter, a.loginLimiter} {
		wg.Add(1)
		go func(rl *ratelimit.RateLimiter) {
			defer wg.Done()
			rl.Run(ctx)
		}(rl)
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
	}

	cfg, cfgErr := loadConfig()
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		log, _ = logging.New("info")
	}
	defer log.Sync()

	if cfgErr != nil {
		log.Error("invalid configuration, refusing to start", zap.Error(cfgErr))
		log.Sync()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, log *zap.Logger) error {
	database, err := db.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Error("close database", zap.Error(err))
		}
		log.Info("database pool closed")
	}()

	site, err := static.FS(cfg.StaticDir)
	if err != nil {
		return err
	}

	store := db.NewStore(database, log)
	app := newApp(cfg, log, store, site)

	var wg sync.WaitGroup
	sweepCtx, stopSweepers := context.WithCancel(ctx)
	defer func() {
		stopSweepers()
		wg.Wait()
	}()
	app.startSweepers(sweepCtx, &wg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		ErrorLog:          zap.NewStdLog(log),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr), zap.Bool("admin", cfg.AdminEnabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Schema creation failure is not fatal; the store retries on demand.
	go func() {
		schemaCtx, cancel := context.WithTimeout(ctx, schemaTimeout)
		defer cancel()
		if err := store.EnsureSchema(schemaCtx); err != nil {
			log.Error("error initializing database", zap.Error(err))
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received, shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("in-flight requests did not finish before the shutdown timeout", zap.Error(err))
	}
	log.Info("server shut down")
	return nil
}
