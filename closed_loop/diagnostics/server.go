package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	loop "mpc-car-core/closed_loop/control_loop"
	"mpc-car-core/utils"
)

// StatsSource exposes the loop counters.
type StatsSource interface {
	Stats() loop.Stats
}

// Server serves loop statistics and recent trajectories over HTTP.
type Server struct {
	addr  string
	hist  *History
	stats StatsSource
	path  []Point
	log   *utils.Logger
}

func NewServer(addr string, hist *History, stats StatsSource, path []Point, log *utils.Logger) *Server {
	return &Server{addr: addr, hist: hist, stats: stats, path: path, log: log}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)
	r.Get("/solves", s.handleSolves)
	r.Get("/trajectory", s.handleTrajectory)
	r.Route("/chart", func(r chi.Router) {
		r.Get("/trajectory", s.handleTrajectoryChart)
		r.Get("/latency", s.handleLatencyChart)
	})
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info("diagnostics server listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http %s %s status=%d bytes=%d dur=%s req=%s",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}

type statsResponse struct {
	Phase               string  `json:"phase"`
	Ticks               uint64  `json:"ticks"`
	Solves              uint64  `json:"solves"`
	Published           uint64  `json:"published"`
	SolveFailures       uint64  `json:"solve_failures"`
	DeadlineMisses      uint64  `json:"deadline_misses"`
	SkippedTicks        uint64  `json:"skipped_ticks"`
	PublishErrors       uint64  `json:"publish_errors"`
	ConsecutiveFailures int64   `json:"consecutive_failures"`
	LastLatencyMS       float64 `json:"last_latency_ms"`
	History             Summary `json:"history"`
}

type stepJSON struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
	Speed   float64 `json:"speed"`
	Accel   float64 `json:"accel"`
	Steer   float64 `json:"steer"`
}

type solveJSON struct {
	Tick      uint64     `json:"tick"`
	Stamp     time.Time  `json:"stamp"`
	Mode      string     `json:"mode"`
	LatencyMS float64    `json:"latency_ms"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Valid     bool       `json:"state_valid"`
	State     stepJSON   `json:"state"`
	Steps     []stepJSON `json:"steps,omitempty"`
}

func toSolveJSON(rec loop.SolveRecord, withSteps bool) solveJSON {
	out := solveJSON{
		Tick:      rec.Tick,
		Stamp:     rec.Stamp,
		Mode:      rec.Mode.String(),
		LatencyMS: ms(rec.Latency),
		Status:    rec.Status.String(),
		Valid:     rec.State.IsFinite(),
	}
	// encoding/json rejects NaN and Inf
	if out.Valid {
		out.State = stepJSON{X: rec.State.X, Y: rec.State.Y, Heading: rec.State.Heading, Speed: rec.State.Speed}
	}
	if rec.Err != nil {
		out.Error = rec.Err.Error()
	}
	if withSteps {
		out.Steps = make([]stepJSON, len(rec.Trajectory))
		for i, st := range rec.Trajectory {
			out.Steps[i] = stepJSON{
				X: st.State.X, Y: st.State.Y, Heading: st.State.Heading, Speed: st.State.Speed,
				Accel: st.Control.Acceleration, Steer: st.Control.Steering,
			}
		}
	}
	return out
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{History: s.hist.Summary()}
	if s.stats != nil {
		st := s.stats.Stats()
		resp.Phase = st.Phase.String()
		resp.Ticks = st.Ticks
		resp.Solves = st.Solves
		resp.Published = st.Published
		resp.SolveFailures = st.SolveFailures
		resp.DeadlineMisses = st.DeadlineMisses
		resp.SkippedTicks = st.SkippedTicks
		resp.PublishErrors = st.PublishErrors
		resp.ConsecutiveFailures = st.ConsecutiveFailures
		resp.LastLatencyMS = ms(st.LastLatency)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSolves(w http.ResponseWriter, r *http.Request) {
	n := 50
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = v
	}
	recs := s.hist.Recent(n)
	out := make([]solveJSON, len(recs))
	for i, rec := range recs {
		out[i] = toSolveJSON(rec, false)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.hist.LatestOK()
	if !ok {
		writeError(w, http.StatusNotFound, "no successful solve yet")
		return
	}
	respondJSON(w, http.StatusOK, toSolveJSON(rec, true))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}
