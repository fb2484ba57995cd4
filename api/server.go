// Package api provides the HTTP REST API server for IRPulse.
//
// It exposes endpoints for daily sentiment aggregates, analyzed
// articles, pipeline runs, sentiment Q&A, and WebSocket streaming of
// run progress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/irpulse/irpulse/internal/config"
	"github.com/irpulse/irpulse/internal/insights"
	"github.com/irpulse/irpulse/internal/pipeline"
	"github.com/irpulse/irpulse/internal/store"
	"github.com/irpulse/irpulse/pkg/utils"
)

// defaultRangeDays is the aggregate window served when the caller does
// not pass from/to.
const defaultRangeDays = 30

// Server is the HTTP API server.
type Server struct {
	router   chi.Router
	cfg      *config.Config
	store    *store.Store
	pipeline *pipeline.Pipeline
	answerer *insights.Answerer
	wsHub    *WSHub
}

// NewServer creates a configured API server with all routes and
// middleware. Pipeline progress is forwarded to WebSocket clients.
func NewServer(cfg *config.Config, st *store.Store, pipe *pipeline.Pipeline, ans *insights.Answerer) *Server {
	srv := &Server{
		cfg:      cfg,
		store:    st,
		pipeline: pipe,
		answerer: ans,
		wsHub:    NewWSHub(),
	}

	pipe.SetNotifier(pipeline.NotifierFunc(func(e pipeline.Event) {
		srv.wsHub.Broadcast(WSMessage{Type: "pipeline_progress", Data: e})
	}))

	srv.router = srv.buildRouter()
	return srv
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ListenAndServe starts the HTTP server with graceful shutdown.
func (s *Server) ListenAndServe(addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start WebSocket hub
	go s.wsHub.Run()

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	return httpSrv.Shutdown(ctx)
}

// buildRouter configures all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	// CORS
	origins := []string{"*"}
	if len(s.cfg.API.CORSOrigins) > 0 {
		origins = s.cfg.API.CORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", s.handleHealth)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health (also available at /health)
		r.Get("/health", s.handleHealth)

		// Sentiment data
		r.Get("/aggregates/{ticker}", s.handleAggregates)
		r.Get("/articles/{ticker}", s.handleArticles)

		// Pipeline
		r.Post("/run", s.handleRun)
		r.Get("/runs/latest", s.handleLatestRun)

		// Q&A
		r.Post("/ask", s.handleAsk)

		// WebSocket
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// ============================================================
// Request / Response types
// ============================================================

// APIResponse is the standard JSON envelope.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RunRequest is the body for POST /api/v1/run.
type RunRequest struct {
	Ticker   string `json:"ticker,omitempty"`
	DaysBack int    `json:"days_back,omitempty"`
}

// AskRequest is the body for POST /api/v1/ask.
type AskRequest struct {
	Ticker   string `json:"ticker"`
	Question string `json:"question"`
	From     string `json:"from,omitempty"` // YYYY-MM-DD, default 30 days back
	To       string `json:"to,omitempty"`   // YYYY-MM-DD, default today
}

// ============================================================
// Handlers
// ============================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"status":         "ok",
			"pipeline_stage": s.pipeline.Stage(),
			"time_utc":       time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	if ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}

	from, to, err := rangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	aggs, err := s.store.DailyAggregateRange(utils.NormalizeTicker(ticker), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"ticker":     utils.NormalizeTicker(ticker),
			"from":       from,
			"to":         to,
			"aggregates": aggs,
		},
	})
}

func (s *Server) handleArticles(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	if ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}

	from, to, err := rangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mentions, err := s.store.MentionsInRange(utils.NormalizeTicker(ticker), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"ticker":   utils.NormalizeTicker(ticker),
			"from":     from,
			"to":       to,
			"mentions": mentions,
		},
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if s.pipeline.Running() {
		writeError(w, http.StatusConflict, "a pipeline run is already in progress")
		return
	}

	// The run outlives the request; progress streams over /ws and the
	// outcome lands in /runs/latest.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := s.pipeline.Run(ctx, req.Ticker, req.DaysBack); err != nil {
			if !errors.Is(err, pipeline.ErrAlreadyRunning) {
				log.Printf("[api] pipeline run failed: %v", err)
			}
		}
	}()

	writeJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data:    map[string]interface{}{"status": "started"},
	})
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.LatestRun(utils.NormalizeTicker(r.URL.Query().Get("ticker")))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no pipeline runs recorded")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    run,
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	from, to, err := normalizeRange(req.From, req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	answer, err := s.answerer.Answer(ctx, req.Ticker, req.Question, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"ticker":   utils.NormalizeTicker(req.Ticker),
			"question": req.Question,
			"answer":   answer,
			"from":     from,
			"to":       to,
		},
	})
}

// ============================================================
// Helpers
// ============================================================

// rangeParams reads from/to query parameters, defaulting to the last
// defaultRangeDays days.
func rangeParams(r *http.Request) (from, to string, err error) {
	return normalizeRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
}

func normalizeRange(from, to string) (string, string, error) {
	now := time.Now().UTC()
	if to == "" {
		to = utils.DayOf(now)
	} else if _, err := utils.ParseDay(to); err != nil {
		return "", "", errors.New("to must be YYYY-MM-DD")
	}
	if from == "" {
		from = utils.DayOf(now.AddDate(0, 0, -defaultRangeDays))
	} else if _, err := utils.ParseDay(from); err != nil {
		return "", "", errors.New("from must be YYYY-MM-DD")
	}
	if from > to {
		return "", "", errors.New("from must not be after to")
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   msg,
	})
}
