// Package server exposes turns over HTTP.
//
// Routes:
//
//	GET  /health       liveness probe
//	POST /chat         runs a turn and returns all messages plus the final state
//	POST /chat_stream  runs a turn and streams events as server-sent events
//	GET  /metrics      Prometheus metrics, when a handler is configured
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/engine"
	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/observability"
	"github.com/hupe1980/turnmesh/turn"
)

// TurnEngine runs turns. *engine.Engine implements it.
type TurnEngine interface {
	Invoke(ctx context.Context, req turn.Request) (string, <-chan turn.Event, error)
	InvokeSync(ctx context.Context, req turn.Request) (*engine.SyncResult, error)
}

// Options configures a Server.
type Options struct {
	// APIKey, when set, must match the bearer token of chat requests.
	APIKey string
	// CORSOrigins defaults to all origins.
	CORSOrigins []string
	// MaxBodyBytes limits request bodies. Defaults to 10 MiB.
	MaxBodyBytes int64

	Logger  logging.Logger
	Metrics *observability.Metrics
	// MetricsHandler is mounted at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string
	Tracer         trace.Tracer
}

// Server is the HTTP front end of an engine.
type Server struct {
	router  *mux.Router
	handler http.Handler
	engine  TurnEngine
	opts    Options
}

// New creates a Server for eng.
func New(eng TurnEngine, optFns ...func(o *Options)) *Server {
	opts := Options{
		CORSOrigins:  []string{"*"},
		MaxBodyBytes: 10 << 20,
		Logger:       logging.NoOpLogger{},
		MetricsPath:  "/metrics",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/turnmesh/server")
	}

	s := &Server{
		router: mux.NewRouter(),
		engine: eng,
		opts:   opts,
	}

	s.registerRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Length", "Content-Type"},
	})
	s.handler = c.Handler(s.router)

	return s
}

// Handler returns the http.Handler of the server.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) registerRoutes() {
	s.router.Use(s.instrument)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router.Handle("/chat", s.requireAPIKey(http.HandlerFunc(s.handleChat))).Methods(http.MethodPost)
	s.router.Handle("/chat_stream", s.requireAPIKey(http.HandlerFunc(s.handleChatStream))).Methods(http.MethodPost)

	if s.opts.MetricsHandler != nil {
		s.router.Handle(s.opts.MetricsPath, s.opts.MetricsHandler).Methods(http.MethodGet)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// chatResponse is the body of a /chat reply. Error is set on failure, the
// other fields then carry the partial turn.
type chatResponse struct {
	Error    string           `json:"error,omitempty"`
	Messages []core.Message   `json:"messages"`
	State    *turn.FinalState `json:"state"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	res, err := s.engine.InvokeSync(r.Context(), req)
	if err != nil {
		s.writeStartError(w, err)
		return
	}

	out := chatResponse{Messages: res.Messages, State: res.State}
	if out.Messages == nil {
		out.Messages = []core.Message{}
	}

	if res.Err != nil {
		s.opts.Logger.Error("server.chat.failed", "turn_id", res.TurnID, "error", res.Err.Error())
		out.Error = res.Err.Error()
		writeJSON(w, statusFor(res.Err), out)
		return
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	id, events, err := s.engine.Invoke(r.Context(), req)
	if err != nil {
		s.writeStartError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev.Payload())
		if err != nil {
			s.opts.Logger.Error("server.stream.marshal", "turn_id", id, "error", err.Error())
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
			s.opts.Logger.Warn("server.stream.write", "turn_id", id, "error", err.Error())
			continue
		}
		flusher.Flush()
	}
}

// decodeRequest parses and sanitizes a turn request, answering 400 on
// malformed input.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (turn.Request, bool) {
	var req turn.Request

	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.opts.Logger.Warn("server.request.invalid", "error", err.Error())
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}

	req.Messages = turn.SanitizeInput(req.Messages)
	return req, true
}

func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	s.opts.Logger.Error("server.turn.start_failed", "error", err.Error())
	if errors.Is(err, engine.ErrTooManyTurns) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func statusFor(err error) int {
	var ce *core.ConfigError
	if errors.As(err, &ce) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			writeError(w, http.StatusUnauthorized, "Missing or invalid authorization header")
			return
		}
		if s.opts.APIKey != "" && token != s.opts.APIKey {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument traces and measures every routed request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}

		ctx, span := s.opts.Tracer.Start(r.Context(), "http.request", trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", path),
		))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start))
		}
		s.opts.Logger.Debug("server.request", "method", r.Method, "path", path, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
