// Package api serves the REST surface and hosts the websocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tokenpulse/internal/config"
	"tokenpulse/internal/metrics"
	"tokenpulse/internal/models"

	"github.com/gorilla/mux"
)

// Store is the read side of the persistent store.
type Store interface {
	ListLatest(ctx context.Context, offset, limit int) ([]models.PriceSnapshot, int, error)
	GetLatest(ctx context.Context, mint string) (*models.PriceSnapshot, error)
	HistoryInRange(ctx context.Context, mint string, from, to time.Time, cap int) ([]models.HistoryEntry, error)
	Ping(ctx context.Context) error
}

// Cache is the slice of the cache store the handlers read through.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// Chain supplies holder distributions.
type Chain interface {
	ReadTopHolders(ctx context.Context, mint string, limit int) ([]models.HolderBalance, error)
}

// RiskSource supplies risk reports.
type RiskSource interface {
	Report(ctx context.Context, mint string) (*models.RiskReport, error)
}

// Tracker is the scheduler surface exposed over HTTP.
type Tracker interface {
	Enrol(ctx context.Context, mint string) error
	BanAndRemove(ctx context.Context, mint string) error
}

type Server struct {
	repo       Store
	cache      Cache
	chain      Chain
	risk       RiskSource
	tracker    Tracker
	env        string
	adminAuth  *adminAuth
	httpServer *http.Server
}

func NewServer(repo Store, store Cache, chainReader Chain, risk RiskSource, tracker Tracker, wsHandler http.HandlerFunc, cfg *config.Config) *Server {
	s := &Server{
		repo:    repo,
		cache:   store,
		chain:   chainReader,
		risk:    risk,
		tracker: tracker,
		env:     cfg.Env,
	}
	if cfg.AdminJWTSecret != "" {
		s.adminAuth = newAdminAuth(cfg.AdminJWTSecret)
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(newRateLimitMiddleware(float64(cfg.RateLimitRPS), cfg.RateLimitBurst))

	r.HandleFunc("/ws", wsHandler)
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/health", s.handleHealth).Methods("GET")
	apiRouter.Handle("/metrics", metrics.Handler()).Methods("GET")
	apiRouter.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
	apiRouter.HandleFunc("/tokens/{mint}/metrics", s.handleTokenMetrics).Methods("GET")
	apiRouter.HandleFunc("/tokens/{mint}/holders/top", s.handleTopHolders).Methods("GET")
	apiRouter.HandleFunc("/tokens/{mint}/history", s.handleTokenHistory).Methods("GET")
	apiRouter.HandleFunc("/dashboard/info", s.handleDashboardInfo).Methods("GET")

	s.registerAdminRoutes(apiRouter)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "ok"
	if err := s.repo.Ping(ctx); err != nil {
		dbStatus = err.Error()
	}
	redisStatus := "ok"
	if err := s.cache.Ping(ctx); err != nil {
		redisStatus = err.Error()
	}

	status := "ok"
	code := http.StatusOK
	if dbStatus != "ok" || redisStatus != "ok" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"database":  dbStatus,
		"redis":     redisStatus,
	})
}

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

func (s *Server) handleDashboardInfo(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"service":     "tokenpulse",
		"version":     BuildCommit,
		"environment": s.env,
		"endpoints": []string{
			"GET /api/health",
			"GET /api/metrics",
			"GET /api/tokens?page=&limit=",
			"GET /api/tokens/{mint}/metrics?window=1m|5m|1h",
			"GET /api/tokens/{mint}/holders/top?limit=",
			"GET /api/tokens/{mint}/history?window=1m|5m|1h",
		},
		"websocket": map[string]string{
			"path":  "/ws",
			"usage": `send "<mint>,subscribe" or "<mint>,unsubscribe"; legacy ?token=<mint> subscribes on connect`,
		},
	})
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
