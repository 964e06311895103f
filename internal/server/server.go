// Package server exposes jobs, shots and alignment checks over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"pilapse/internal/align"
	"pilapse/internal/pipeline"
	"pilapse/internal/storage"
)

// Jobs is the part of the pipeline the API drives.
type Jobs interface {
	Submit(job pipeline.Job) (pipeline.Job, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// LiveMessage is broadcast to websocket clients for every alignment check.
type LiveMessage struct {
	Source      string            `json:"source"`
	At          time.Time         `json:"at"`
	OK          bool              `json:"ok"`
	Verdict     map[string]bool   `json:"verdict"`
	Expected    align.Geometry    `json:"expected"`
	Measurement align.Measurement `json:"measurement"`
	Deviations  []align.Deviation `json:"deviations,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Server wraps the HTTP API.
type Server struct {
	addr     string
	store    *storage.Store
	jobs     Jobs
	log      *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.RWMutex
	preview []byte
}

// New creates a server. store and jobs may be nil; their routes then
// answer 503.
func New(addr string, store *storage.Store, jobs Jobs, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:  addr,
		store: store,
		jobs:  jobs,
		log:   log,
		hub:   newHub(log),
		// nil CheckOrigin rejects cross-origin browser handshakes
		upgrader: websocket.Upgrader{},
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{type}", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}/meta", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/shots", s.handleShots).Methods("GET")
	r.HandleFunc("/checks", s.handleChecks).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/live", s.handleLive).Methods("GET")
	r.HandleFunc("/preview.png", s.handlePreview).Methods("GET")
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// RunHub starts the websocket hub without the listener, for callers that
// mount Handler themselves.
func (s *Server) RunHub(ctx context.Context) {
	s.hub.run(ctx)
}

// PublishCheck updates the preview and notifies live clients.
func (s *Server) PublishCheck(source string, res align.Result, checkErr error) {
	if res.Annotated != nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, res.Annotated); err != nil {
			s.log.Warn("encode preview", "error", err)
		} else {
			s.mu.Lock()
			s.preview = buf.Bytes()
			s.mu.Unlock()
		}
	}

	msg := LiveMessage{
		Source:      source,
		At:          time.Now(),
		OK:          checkErr == nil && res.Verdict.OK(),
		Verdict:     res.Verdict.Map(),
		Expected:    res.Expected,
		Measurement: res.Measurement,
		Deviations:  res.Deviations,
	}
	if checkErr != nil {
		msg.Error = checkErr.Error()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("marshal live message", "error", err)
		return
	}
	s.hub.send(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func limitParam(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 1000 {
		return n
	}
	return 100
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.store.RecentJobs(limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	meta, err := s.store.JobMeta(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleShots(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.store.RecentShots(limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleChecks(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.store.RecentChecks(limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type submitRequest struct {
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "pipeline disabled", http.StatusServiceUnavailable)
		return
	}
	jt, ok := pipeline.ParseJobType(mux.Vars(r)["type"])
	if !ok {
		http.Error(w, "unknown job type", http.StatusNotFound)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}
	output, err := resolveOutput(jt, req.Input, req.Output)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := s.jobs.Submit(pipeline.Job{
		Type:      jt,
		InputPath: req.Input,
		Output:    output,
		Options:   req.Options,
	})
	if errors.Is(err, pipeline.ErrQueueFull) {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// resolveOutput confines an API-supplied output path to the job's own
// folder: the annotated directory for align jobs and the photo folder for
// combine jobs. Absolute paths and paths leaving that folder are rejected.
func resolveOutput(jt pipeline.JobType, input, output string) (string, error) {
	if output == "" {
		return "", nil
	}
	if filepath.IsAbs(output) {
		return "", errors.New("output must be relative to the job folder")
	}
	clean := filepath.Clean(output)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("output must stay inside the job folder")
	}
	switch jt {
	case pipeline.JobAlign:
		return filepath.Join(filepath.Dir(input), pipeline.AnnotatedDir, clean), nil
	case pipeline.JobCombine:
		return filepath.Join(input, clean), nil
	default:
		return "", nil
	}
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "pipeline disabled", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resCh, unsubscribe := s.jobs.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case s.hub.register <- conn:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.hub.unregister <- conn:
			case <-s.hub.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	img := s.preview
	s.mu.RUnlock()
	if img == nil {
		http.Error(w, "no preview yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(img)
}
