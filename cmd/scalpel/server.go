package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-scalpel/internal/engine"
	"github.com/23skdu/longbow-scalpel/internal/surgery"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scalpel_request_duration_seconds",
		Help:    "Time spent processing engine requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalpel_request_errors_total",
		Help: "Engine requests that returned an error",
	}, []string{"endpoint"})
)

var tracer = otel.Tracer("scalpel-server")

// Server exposes one engine session over HTTP with CBOR envelopes. The
// session is owned by the server; surgery calls are serialized by the
// admission semaphore.
type Server struct {
	session *engine.Session
	sem     *semaphore.Weighted
}

func NewServer(session *engine.Session, maxConcurrent int) *Server {
	return &Server{
		session: session,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func startServer(addr string, session *engine.Session, maxConcurrent int) {
	srv := NewServer(session, maxConcurrent)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/open", srv.handleOpen)
	http.HandleFunc("/compare", srv.handleCompare)
	http.HandleFunc("/diff/tensor", srv.handleTensorDiff)
	http.HandleFunc("/diff/module", srv.handleModuleDiff)
	http.HandleFunc("/surgery", srv.handleSurgery)
	http.HandleFunc("/undo", srv.handleUndo)
	http.HandleFunc("/redo", srv.handleRedo)
	http.HandleFunc("/save", srv.handleSave)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Int("protocol", engine.ProtocolVersion).Msg("Starting Scalpel Server")

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// baseRequest is the fields every envelope carries.
type baseRequest struct {
	Version int    `cbor:"version"`
	Path    string `cbor:"path"`
	PathB   string `cbor:"path_b"`
}

type surgeryRequest struct {
	Version    int    `cbor:"version"`
	Kind       string `cbor:"kind"`
	TargetPath string `cbor:"target_path"`
	NewName    string `cbor:"new_name"`
	NewPrefix  string `cbor:"new_prefix"`
}

type moduleDiffRequest struct {
	Version int      `cbor:"version"`
	Paths   []string `cbor:"paths"`
}

type saveRequest struct {
	Version    int    `cbor:"version"`
	OutputPath string `cbor:"output_path"`
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst any, version *int) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := cbor.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return false
	}
	if err := engine.CheckProtocol(*version); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, endpoint string, payload any, err error) {
	if err != nil {
		requestErrors.WithLabelValues(endpoint).Inc()
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	if encErr := cbor.NewEncoder(w).Encode(payload); encErr != nil {
		log.Error().Err(encErr).Str("endpoint", endpoint).Msg("Failed to encode response")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNoActiveSession),
		errors.Is(err, engine.ErrSourceModelUnavailable),
		errors.Is(err, engine.ErrComponentNotFound):
		return http.StatusConflict
	case errors.Is(err, surgery.ErrInvalidOperation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) observed(endpoint string) func() {
	start := time.Now()
	return func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) acquire(ctx context.Context, w http.ResponseWriter) bool {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return false
	}
	return true
}

type openResponse struct {
	TensorCount int    `cbor:"tensor_count"`
	Parameters  int    `cbor:"parameters"`
	Adapters    int    `cbor:"adapters"`
	Path        string `cbor:"path"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleOpen")
	defer span.End()
	defer s.observed("open")()

	var req baseRequest
	if !decodeRequest(w, r, &req, &req.Version) {
		return
	}
	if !s.acquire(ctx, w) {
		return
	}
	defer s.sem.Release(1)

	span.SetAttributes(attribute.String("model_path", req.Path))
	res, err := s.session.Open(ctx, req.Path)
	if err != nil {
		s.respond(w, "open", nil, err)
		return
	}
	s.respond(w, "open", openResponse{
		TensorCount: res.TensorCount,
		Parameters:  res.Tree.CountParameters(),
		Adapters:    len(res.Adapters),
		Path:        req.Path,
	}, nil)
}

type compareResponse struct {
	Components []engine.CompareEntry `cbor:"components"`
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleCompare")
	defer span.End()
	defer s.observed("compare")()

	var req baseRequest
	if !decodeRequest(w, r, &req, &req.Version) {
		return
	}
	if !s.acquire(ctx, w) {
		return
	}
	defer s.sem.Release(1)

	path := req.PathB
	if path == "" {
		path = req.Path
	}
	res, err := s.session.OpenComparison(ctx, path)
	if err != nil {
		s.respond(w, "compare", nil, err)
		return
	}
	span.SetAttributes(attribute.Int("component_count", len(res.Components)))
	s.respond(w, "compare", compareResponse{Components: res.Components}, nil)
}

func (s *Server) handleTensorDiff(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleTensorDiff")
	defer span.End()
	defer s.observed("diff_tensor")()

	var req baseRequest
	if !decodeRequest(w, r, &req, &req.Version) {
		return
	}
	res, err := s.session.RequestTensorDiff(ctx, req.Path)
	s.respond(w, "diff_tensor", res, err)
}

func (s *Server) handleModuleDiff(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleModuleDiff")
	defer span.End()
	defer s.observed("diff_module")()

	var req moduleDiffRequest
	if !decodeRequest(w, r, &req, &req.Version) {
		return
	}
	res, err := s.session.RequestModuleDiff(ctx, req.Paths)
	s.respond(w, "diff_module", res, err)
}

type surgeryResponse struct {
	PendingChanges int  `cbor:"pending_changes"`
	Moved          bool `cbor:"moved,omitempty"`
	Parameters     int  `cbor:"parameters"`
}

func (s *Server) handleSurgery(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleSurgery")
	defer span.End()
	defer s.observed("surgery")()

	var req surgeryRequest
	if !decodeRequest(w, r, &req, &req.Version) {
		return
	}

	var op engine.Operation
	switch req.Kind {
	case "rename_component":
		op = engine.RenameComponent{TargetPath: req.TargetPath, NewName: req.NewName}
	case "remove_tensor":
		op = engine.RemoveTensor{TargetPath: req.TargetPath}
	case "remove_adapter":
		op = engine.RemoveAdapter{TargetPath: req.TargetPath}
	case "rename_adapter":
		op = engine.RenameAdapter{TargetPath: req.TargetPath, NewPrefix: req.NewPrefix}
	case "replace_component":
		op = engine.ReplaceComponent{TargetPath: req.TargetPath}
	default:
		s.respond(w, "surgery", nil, fmt.Errorf("%w: unknown kind %q", surgery.ErrInvalidOperation, req.Kind))
		return
	}

	span.SetAttributes(attribute.String("kind", req.Kind), attribute.String("target", req.TargetPath))
	res, err := s.session.PerformSurgery(op)
	if err != nil {
		s.respond(w, "surgery", nil, err)
		return
	}
	s.respond(w, "surgery", surgeryResponse{
		PendingChanges: res.PendingChanges,
		Parameters:     res.Tree.CountParameters(),
	}, nil)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	defer s.observed("undo")()
	var req baseRequest
	if !decodeRequest(w, r, &req, &req.Version) {
		return
	}
	res, moved, err := s.session.Undo()
	if err != nil {
		s.respond(w, "undo", nil, err)
		return
	}
	s.respond(w, "undo", surgeryResponse{PendingChanges: res.PendingChanges, Moved: moved, Parameters: res.Tree.CountParameters()}, nil)
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	defer s.observed("redo")()
	var req baseRequest
	if !decodeRequest(w, r, &req, &req.Version) {
		return
	}
	res, moved, err := s.session.Redo()
	if err != nil {
		s.respond(w, "redo", nil, err)
		return
	}
	s.respond(w, "redo", surgeryResponse{PendingChanges: res.PendingChanges, Moved: moved, Parameters: res.Tree.CountParameters()}, nil)
}

type saveResponse struct {
	OutputPath string `cbor:"output_path"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleSave")
	defer span.End()
	defer s.observed("save")()

	var req saveRequest
	if !decodeRequest(w, r, &req, &req.Version) {
		return
	}
	if !s.acquire(ctx, w) {
		return
	}
	defer s.sem.Release(1)

	err := s.session.Save(ctx, req.OutputPath, func(frac float64) {
		log.Debug().Float64("progress", frac).Str("output", req.OutputPath).Msg("Save progress")
	})
	if err != nil {
		s.respond(w, "save", nil, err)
		return
	}
	s.respond(w, "save", saveResponse{OutputPath: req.OutputPath}, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
