// Package gateway exposes the HTTP surface: the /api/runs JSON API and
// the static file fallback for the bundled viewer page.
package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelpkg "github.com/basket/duelog/internal/otel"
	"github.com/basket/duelog/internal/persistence"
	"github.com/basket/duelog/internal/shared"
)

type Config struct {
	Store     *persistence.Store
	StaticDir string
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otelpkg.Metrics
}

type Server struct {
	cfg    Config
	static http.Handler
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	if cfg.StaticDir == "" {
		cfg.StaticDir = "."
	}
	return &Server{
		cfg:    cfg,
		static: http.FileServer(http.Dir(cfg.StaticDir)),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/start", s.handleStartRun)
	mux.HandleFunc("/api/runs/", s.handleRunSubtree)
	mux.HandleFunc("/", s.handleStatic)
	return s.withTelemetry(mux)
}

// withTelemetry assigns each request a trace id, wraps it in a server
// span, records the duration histogram and writes one access log line.
func (s *Server) withTelemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)

		ctx, span := otelpkg.StartServerSpan(ctx, s.cfg.Tracer, "http.request",
			otelpkg.AttrHTTPMethod.String(r.Method),
			otelpkg.AttrHTTPRoute.String(r.URL.Path),
		)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(otelpkg.AttrHTTPStatus.Int(rec.status))
		span.End()

		elapsed := time.Since(start)
		if s.cfg.Metrics != nil {
			attrs := metric.WithAttributes(
				otelpkg.AttrHTTPMethod.String(r.Method),
				otelpkg.AttrHTTPStatus.Int(rec.status),
			)
			s.cfg.Metrics.RequestDuration.Record(ctx, elapsed.Seconds(), attrs)
			if rec.status >= 400 && rec.status < 500 {
				s.cfg.Metrics.HTTPErrors.Add(ctx, 1, attrs)
			}
		}

		s.cfg.Logger.Info("request",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handleRuns serves the run index (GET) and full-run import (POST).
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRuns(w, r)
	case http.MethodPost:
		s.importRun(w, r)
	default:
		s.writeError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.cfg.Store.ListRunSummaries(r.Context())
	if err != nil {
		s.serverError(w, r, "list runs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
}

func (s *Server) importRun(w http.ResponseWriter, r *http.Request) {
	var payload runPayload
	if !s.readBody(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.Theme) == "" {
		s.writeError(w, http.StatusBadRequest, "Theme is required")
		return
	}

	transcript := make([]persistence.MessageRecord, 0, len(payload.Transcript))
	for i, msg := range payload.Transcript {
		transcript = append(transcript, msg.record(int64(i+1)))
	}

	ctx, span := otelpkg.StartSpan(r.Context(), s.cfg.Tracer, "run.import",
		otelpkg.AttrTheme.String(payload.Theme),
	)
	id, err := s.cfg.Store.CreateRunWithTranscript(ctx, payload.record(), transcript)
	if err != nil {
		span.End()
		s.serverError(w, r, "import run", err)
		return
	}
	span.SetAttributes(otelpkg.AttrRunID.Int64(id))
	span.End()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RunsCreated.Add(r.Context(), 1)
		s.cfg.Metrics.MessagesAppended.Add(r.Context(), int64(len(transcript)))
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// handleStartRun creates an empty run for a live session.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusNotFound, "Not found")
		return
	}
	var payload runPayload
	if !s.readBody(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.Theme) == "" {
		s.writeError(w, http.StatusBadRequest, "Theme is required")
		return
	}

	ctx, span := otelpkg.StartSpan(r.Context(), s.cfg.Tracer, "run.start",
		otelpkg.AttrTheme.String(payload.Theme),
	)
	id, err := s.cfg.Store.CreateRun(ctx, payload.record())
	if err != nil {
		span.End()
		s.serverError(w, r, "start run", err)
		return
	}
	span.SetAttributes(otelpkg.AttrRunID.Int64(id))
	span.End()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RunsCreated.Add(r.Context(), 1)
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// handleRunSubtree routes /api/runs/{id}, /api/runs/{id}/messages and
// PATCH /api/runs/{id} by hand. Extra path segments are not found; a
// malformed id segment is a bad request.
func (s *Server) handleRunSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.Split(rest, "/")

	wantSegments := 1
	if r.Method == http.MethodPost {
		wantSegments = 2
	}
	if len(parts) != wantSegments || (wantSegments == 2 && parts[1] != "messages") {
		s.writeError(w, http.StatusNotFound, "Not found")
		return
	}
	runID, ok := parseRunID(parts[0])
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid run id")
		return
	}
	r = r.WithContext(shared.WithRunID(r.Context(), runID))

	switch r.Method {
	case http.MethodGet:
		s.getRun(w, r, runID)
	case http.MethodPost:
		s.appendMessage(w, r, runID)
	case http.MethodPatch:
		s.patchRun(w, r, runID)
	default:
		s.writeError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, runID int64) {
	run, err := s.cfg.Store.GetRun(r.Context(), runID)
	if err != nil {
		s.serverError(w, r, "get run", err)
		return
	}
	if run == nil {
		s.writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) appendMessage(w http.ResponseWriter, r *http.Request, runID int64) {
	var payload messagePayload
	if !s.readBody(w, r, &payload) {
		return
	}
	exists, err := s.cfg.Store.RunExists(r.Context(), runID)
	if err != nil {
		s.serverError(w, r, "check run", err)
		return
	}
	if !exists {
		s.writeError(w, http.StatusNotFound, "Run not found")
		return
	}

	msg := payload.record(0)
	ctx, span := otelpkg.StartSpan(r.Context(), s.cfg.Tracer, "run.append",
		otelpkg.AttrRunID.Int64(runID),
		otelpkg.AttrMessageType.String(msg.MessageType),
		otelpkg.AttrTurnIndex.Int64(msg.TurnIndex),
	)
	err = s.cfg.Store.AppendMessage(ctx, runID, msg)
	span.End()
	if err != nil {
		s.serverError(w, r, "append message", err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MessagesAppended.Add(r.Context(), 1)
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *Server) patchRun(w http.ResponseWriter, r *http.Request, runID int64) {
	var payload runPatchPayload
	if !s.readBody(w, r, &payload) {
		return
	}
	exists, err := s.cfg.Store.RunExists(r.Context(), runID)
	if err != nil {
		s.serverError(w, r, "check run", err)
		return
	}
	if !exists {
		s.writeError(w, http.StatusNotFound, "Run not found")
		return
	}

	if err := s.cfg.Store.PatchRun(r.Context(), runID, payload.patch()); err != nil {
		s.serverError(w, r, "patch run", err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RunsPatched.Add(r.Context(), 1)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleStatic serves the viewer assets for anything outside /api.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.writeError(w, http.StatusNotFound, "Not found")
		return
	}
	s.static.ServeHTTP(w, r)
}

// readBody decodes the request body into dst. An empty body decodes to
// the zero value; malformed JSON is reported as a bad request. Returns
// false when a response has already been written.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return true
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func parseRunID(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// writeJSON marshals payload up front so the response always carries an
// explicit Content-Length.
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.cfg.Logger.Error(op,
		"trace_id", shared.TraceID(r.Context()),
		"run_id", shared.RunID(r.Context()),
		"path", r.URL.Path,
		"error", err,
	)
	s.writeError(w, http.StatusInternalServerError, "Internal server error")
}
