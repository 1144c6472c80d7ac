// Package server exposes the read-only ops surface: health, Prometheus
// metrics, the current run state and on-demand window summaries.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/trading-gate/internal/aggregate"
	"github.com/Rajchodisetti/trading-gate/internal/bundle"
	"github.com/Rajchodisetti/trading-gate/internal/gate"
	"github.com/Rajchodisetti/trading-gate/internal/observ"
	"github.com/Rajchodisetti/trading-gate/internal/report"
	"github.com/Rajchodisetti/trading-gate/internal/runstate"
	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

// closingSoonMinutes is how close to the day boundary /v1/runstate starts
// reporting closing_soon.
const closingSoonMinutes = 15

// RunStateLoader is the read side of the run state store.
type RunStateLoader interface {
	Load() (runstate.RunState, error)
}

type Config struct {
	Addr          string
	States        RunStateLoader
	BundleRoot    string
	Thresholds    gate.Thresholds
	Location      *time.Location
	DefaultLast   int
	RatePerMinute int
}

type Server struct {
	cfg     Config
	router  *chi.Mux
	server  *http.Server
	limiter *rate.Limiter
	now     func() time.Time
}

func New(cfg Config) *Server {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	s := &Server{
		cfg:     cfg,
		router:  chi.NewRouter(),
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst),
		now:     time.Now,
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.Method(http.MethodGet, "/healthz", observ.Health())
	s.router.Method(http.MethodGet, "/metrics", observ.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/runstate", s.handleRunState)
		r.Get("/summary", s.handleSummary)
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		observ.Log("http_listen", map[string]any{"addr": s.cfg.Addr})
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	observ.Log("http_shutdown", nil)
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type runStateResponse struct {
	runstate.RunState
	TradingDay           tradingday.Day `json:"trading_day"`
	MinutesUntilDayClose int            `json:"minutes_until_day_close"`
	ClosingSoon          bool           `json:"closing_soon"`
}

func (s *Server) handleRunState(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.States.Load()
	if err != nil {
		if errors.Is(err, runstate.ErrNoState) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	now := s.now()
	writeJSON(w, http.StatusOK, runStateResponse{
		RunState:             st,
		TradingDay:           tradingday.For(now, s.cfg.Location),
		MinutesUntilDayClose: tradingday.MinutesUntilMidnight(now, s.cfg.Location),
		ClosingSoon:          tradingday.InMidnightWindow(now, s.cfg.Location, closingSoonMinutes),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, errors.New("summary rate limit exceeded"))
		return
	}

	q := r.URL.Query()
	sel := aggregate.Selection{
		RunID:        q.Get("run_id"),
		LastN:        s.cfg.DefaultLast,
		AllowPartial: q.Get("allow_partial") == "true",
	}
	if v := q.Get("last"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("last must be a non-negative integer"))
			return
		}
		sel.LastN = n
	}
	if sel.RunID != "" && !runstate.ValidRunID(sel.RunID) {
		writeError(w, http.StatusBadRequest, errors.New("invalid run_id"))
		return
	}

	summary, err := aggregate.Aggregate(r.Context(), s.cfg.BundleRoot, sel)
	if err != nil {
		var empty *aggregate.NoBundlesFoundError
		var partial *bundle.PartialWriteDetectedError
		switch {
		case errors.As(err, &empty):
			writeError(w, http.StatusNotFound, err)
		case errors.As(err, &partial):
			writeError(w, http.StatusConflict, err)
		default:
			observ.Error("summary_failed", err, map[string]any{"run_id": sel.RunID})
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, report.NewDocument(summary, s.cfg.Thresholds))
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		observ.Log("http_request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Error("http_encode_failed", err, nil)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
