package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"watersmart/internal/metrics"
	"watersmart/internal/poller"
	"watersmart/internal/state"
	"watersmart/internal/usage"
	"watersmart/internal/watersmart"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// unhealthyAfter is the number of consecutive poll failures that turns /health into 503.
const unhealthyAfter = 3

// StatusProvider reports the poll loop status.
type StatusProvider interface {
	Status() poller.Status
}

// Server exposes the aggregate over HTTP.
type Server struct {
	aggregator   *usage.Aggregator
	status       StatusProvider
	stateManager *state.Manager
	logger       *zap.Logger
	handler      http.Handler
	server       *http.Server
}

// NewServer creates the API server. status and stateManager may be nil.
func NewServer(aggregator *usage.Aggregator, status StatusProvider, stateManager *state.Manager, logger *zap.Logger, port int) *Server {
	s := &Server{
		aggregator:   aggregator,
		status:       status,
		stateManager: stateManager,
		logger:       logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/readings", s.handleReadings)
	mux.HandleFunc("/api/daily", s.handleDaily)
	mux.HandleFunc("/api/usage", s.handleUsage)
	mux.HandleFunc("/api/state", s.handleGetState)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.handler = instrument(mux)
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(r, rec.status, time.Since(start))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// ReadingsResponse is the body of /api/readings.
type ReadingsResponse struct {
	Start    *time.Time           `json:"start,omitempty"`
	End      *time.Time           `json:"end,omitempty"`
	Count    int                  `json:"count"`
	Readings []watersmart.Reading `json:"readings"`
}

// handleReadings returns raw readings, optionally bounded by RFC 3339
// start (inclusive) and end (exclusive) query parameters.
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	var resp ReadingsResponse
	var start, end time.Time
	for name, dst := range map[string]*time.Time{"start": &start, "end": &end} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: expected RFC 3339 timestamp", name))
			return
		}
		*dst = t
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		s.writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}
	if !start.IsZero() {
		resp.Start = &start
	}
	if !end.IsZero() {
		resp.End = &end
	}

	resp.Readings = s.aggregator.Raw(start, end)
	resp.Count = len(resp.Readings)
	s.writeJSON(w, http.StatusOK, resp)
}

// handleDaily returns per-day totals.
func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	days := s.aggregator.Daily()
	if days == nil {
		days = []usage.DailyTotal{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"days": days})
}

// handleUsage returns the current summary.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.aggregator.Summary())
}

// StateResponse is the body of /api/state.
type StateResponse struct {
	ReadOnly bool               `json:"read_only"`
	Numbers  map[string]float64 `json:"numbers"`
	Strings  map[string]string  `json:"strings"`
}

// handleGetState returns the mirrored Home Assistant variables.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.stateManager == nil {
		s.writeError(w, http.StatusNotFound, "home assistant state is not enabled")
		return
	}

	response := StateResponse{
		ReadOnly: s.stateManager.IsReadOnly(),
		Numbers:  make(map[string]float64),
		Strings:  make(map[string]string),
	}

	for _, variable := range state.AllVariables {
		switch variable.Type {
		case state.TypeNumber:
			value, err := s.stateManager.GetNumber(variable.Key)
			if err != nil {
				s.logger.Error("Failed to get number variable", zap.String("key", variable.Key), zap.Error(err))
				continue
			}
			response.Numbers[variable.Key] = value
		case state.TypeString:
			value, err := s.stateManager.GetString(variable.Key)
			if err != nil {
				s.logger.Error("Failed to get string variable", zap.String("key", variable.Key), zap.Error(err))
				continue
			}
			response.Strings[variable.Key] = value
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status string         `json:"status"`
	Poller *poller.Status `json:"poller,omitempty"`
}

// handleHealth reports "ok", "starting" before the first successful poll,
// or "degraded" with 503 after repeated poll failures.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	if s.status != nil {
		st := s.status.Status()
		resp.Poller = &st
		switch {
		case st.ConsecutiveFailures >= unhealthyAfter:
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		case st.LastSuccess.IsZero():
			resp.Status = "starting"
		}
	}
	s.writeJSON(w, code, resp)
}

// Endpoint documents one route for the sitemap.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/api/readings", Method: "GET", Description: "Raw readings; optional start/end as RFC 3339"},
	{Path: "/api/daily", Method: "GET", Description: "Daily usage totals"},
	{Path: "/api/usage", Method: "GET", Description: "Today, month-to-date, average and latest reading"},
	{Path: "/api/state", Method: "GET", Description: "Home Assistant helper values"},
	{Path: "/health", Method: "GET", Description: "Poller health"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap lists the endpoints as HTML for browsers or plain text otherwise.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !allowGet(w, r) {
		return
	}

	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>WaterSmart API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .description { color: #9cdcfe; margin-top: 5px; }
        a { color: #ce9178; text-decoration: none; }
    </style>
</head>
<body>
    <h1>WaterSmart API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <a href="%s">%s</a></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "WaterSmart API\n")
		fmt.Fprintf(w, "==============\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-16s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExample:\n\n")
		fmt.Fprintf(w, "  curl 'http://localhost:8081/api/readings?start=2024-03-01T00:00:00Z' | jq\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests in the background.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
