// Package httpapi exposes the orchestrator over HTTP: model selection,
// parameter changes, streaming chat, embeddings, rerank, session CRUD and
// the usual health/metrics endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"inferd/internal/download"
	"inferd/internal/pipeline"
	"inferd/internal/procman"
	"inferd/internal/store"
	"inferd/pkg/types"
)

// maxBodyBytes controls the maximum allowed request body size for JSON
// endpoints.
const maxBodyBytes int64 = 1 << 20

// Server bundles the collaborators the handlers need.
type Server struct {
	Log        zerolog.Logger
	Store      *store.Store
	Manager    *procman.Manager
	Downloader *download.Downloader
	Selector   *pipeline.Selector
	Params     *pipeline.ParamChanger
	Chat       *pipeline.Chat

	ready atomic.Bool
}

// SetReady flips the readiness probe; main calls it once the startup
// pipeline has completed.
func (s *Server) SetReady() { s.ready.Store(true) }

// NewMux builds the chi router with all routes and middleware.
func NewMux(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("starting"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/models", s.handleListModels)
		r.Post("/models/select", s.handleSelectModel)
		r.Get("/downloads", s.handleListDownloads)
		r.Get("/downloads/status", s.handleDownloadStatus)
		r.Post("/parameters", s.handleParameters)
		r.Post("/chat", s.handleChat)
		r.Post("/embeddings", s.handleEmbeddings)
		r.Post("/rerank", s.handleRerank)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Patch("/sessions/{id}", s.handleRenameSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/sessions/{id}/messages", s.handleSessionMessages)
	})

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.Manager.Statuses()})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	mode := types.Mode(r.URL.Query().Get("mode"))
	recs, err := s.Store.ListModels(r.Context(), mode)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]types.ModelInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, types.ModelInfo{
			ID:           rec.ID,
			Name:         rec.Name,
			Mode:         rec.Mode,
			Path:         rec.Path,
			DownloadURL:  rec.DownloadURL,
			IsCurrent:    rec.IsCurrent,
			IsDownloaded: rec.IsDownloaded,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleSelectModel(w http.ResponseWriter, r *http.Request) {
	var req types.SelectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ModelName == "" {
		writeJSONError(w, http.StatusBadRequest, "model_name is required")
		return
	}
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.Selector.Select(r.Context(), req.ModelName, mode, req.DownloadURL)
	if err != nil {
		writeJSON(w, statusForError(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"downloads": s.Downloader.Tasks()})
}

func (s *Server) handleDownloadStatus(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSONError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	task, ok := s.Downloader.Task(url)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no download for url")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type parametersRequest struct {
	Mode string `json:"mode,omitempty"`
	types.ParamUpdate
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	var req parametersRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.Params.Apply(r.Context(), mode, req.ParamUpdate)
	if err != nil {
		writeJSON(w, statusForError(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody enforces the JSON content type and body limit; on failure it
// writes the error response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func pathID(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
