// Package web implements thin JSON api over the job queue
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/soloq/app/config"
	"github.com/umputun/soloq/app/engine"
	"github.com/umputun/soloq/app/history"
	"github.com/umputun/soloq/app/status"
	"github.com/umputun/soloq/app/store"
)

// Queue is the part of the engine used by api
type Queue interface {
	CheckStatus(jobID string) (store.JobRecord, bool, error)
	QueueStatus() (status.View, error)
	Cancel(jobID string) (engine.CancelResult, error)
}

// Starter enqueues endpoint's job
type Starter interface {
	Start(ctx context.Context, name string) (engine.EnqueueResult, error)
}

// EndpointsLister returns configured endpoints
type EndpointsLister interface {
	List() []config.Endpoint
}

// HistoryLister returns archived executions
type HistoryLister interface {
	List(ctx context.Context, q history.Query) ([]history.Execution, error)
}

// Config of the web server
type Config struct {
	Queue     Queue
	Starter   Starter
	Endpoints EndpointsLister
	History   HistoryLister // optional, history api disabled if nil
	BaseURL   string        // base URL path for reverse proxy (e.g., /soloq), empty for root
	Version   string
	StartRate float64 // allowed start requests per second per client, 0 means no limit
}

// Server is the api server
type Server struct {
	Config
}

// New makes api server
func New(cfg Config) (*Server, error) {
	if cfg.Queue == nil || cfg.Starter == nil {
		return nil, errors.New("web server initialization failed: queue and starter are required")
	}
	return &Server{Config: cfg}, nil
}

// Run starts the web server, blocks until ctx done
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// handler returns the http.Handler with base URL wrapping applied
func (s *Server) handler() http.Handler {
	routes := s.routes()
	if s.BaseURL == "" {
		return routes
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.BaseURL, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.BaseURL+"/", http.StatusMovedPermanently)
	})
	mux.Handle(s.BaseURL+"/", http.StripPrefix(s.BaseURL, routes))
	return mux
}

func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("soloq", "umputun", s.Version),
		rest.Ping,
		rest.SizeLimit(64*1024),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /endpoints", s.handleListEndpoints)
		api.With(s.startLimiter()).HandleFunc("POST /endpoints/{name}/start", s.handleStart)
		api.HandleFunc("GET /check-status/{id}", s.handleCheckStatus)
		api.HandleFunc("GET /queue-status", s.handleQueueStatus)
		api.HandleFunc("POST /cancel-job/{id}", s.handleCancel)
		api.HandleFunc("GET /history", s.handleHistory)
	})
	return router
}

// startLimiter limits job starts per client ip, pass-through if rate not set
func (s *Server) startLimiter() func(http.Handler) http.Handler {
	if s.StartRate <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	lmt := tollbooth.NewLimiter(s.StartRate, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"}) // real ip already set by rest.RealIP
	lmt.SetMessageContentType("application/json; charset=utf-8")
	lmt.SetMessage(`{"error":"too many requests"}`)
	return tollbooth.HTTPMiddleware(lmt)
}
