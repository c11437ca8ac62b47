// Package httpapi serves the backtest, optimization and benchmark endpoints
// as JSON over HTTP, plus a websocket stream of sweep progress.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"quantdesk/internal/backtest"
	"quantdesk/internal/service"
	"quantdesk/pkg/quantdesk"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server serves the quantdesk HTTP API.
type Server struct {
	svc *service.Service
	log *slog.Logger
}

// NewServer creates a Server over svc.
func NewServer(svc *service.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, log: log.With("component", "httpapi")}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/backtest", s.handleBacktest)
	mux.HandleFunc("POST /api/optimize", s.handleOptimize)
	mux.HandleFunc("POST /api/benchmark", s.handleBenchmark)
	mux.HandleFunc("GET /api/strategies", s.handleStrategies)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /api/ws/progress", s.handleProgress)
	if m := s.svc.Metrics(); m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, body quantdesk.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// StatusFor maps a classified error onto an HTTP status.
func StatusFor(e *service.Error) int {
	switch e.Kind {
	case service.KindInvalid:
		return http.StatusBadRequest
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindBudget:
		return http.StatusConflict
	case service.KindCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// ErrorBody renders a classified error as the JSON error document.
func ErrorBody(e *service.Error) quantdesk.ErrorResponse {
	body := quantdesk.ErrorResponse{
		Error:  e.Error(),
		Stage:  e.Stage,
		Symbol: e.Symbol,
		Total:  e.Total,
		Limit:  e.Limit,
	}
	if len(e.Params) > 0 {
		body.Parameters = e.Params
	}
	if e.Kind == service.KindBudget {
		body.Error = fmt.Sprintf("%s; resubmit with confirm=true to run all combinations", e.Error())
	}
	return body
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := service.Classify(err)
	status := StatusFor(e)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "stage", e.Stage, "error", err)
	} else {
		s.log.Info("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, ErrorBody(e))
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, w http.ResponseWriter, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty request body")
		}
		return &service.Error{
			Kind:  service.KindInvalid,
			Stage: backtest.StageValidate,
			Err:   fmt.Errorf("%w: decoding request: %v", service.ErrInvalidInput, err),
		}
	}
	return nil
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req quantdesk.BacktestRequest
	if err := decode(r, w, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Backtest(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req quantdesk.OptimizeRequest
	if err := decode(r, w, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Optimize(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	var req quantdesk.BenchmarkRequest
	if err := decode(r, w, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Benchmark(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.svc.Strategies())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, quantdesk.ErrorResponse{
				Error: fmt.Sprintf("invalid limit %q", v),
				Stage: backtest.StageValidate,
			})
			return
		}
		limit = n
	}
	runs, err := s.svc.Runs(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, run)
}
