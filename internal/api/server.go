// Package api exposes the pipeline over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/loader"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/provider"
	"github.com/ragline/ragline/internal/queryengine"
	"github.com/ragline/ragline/internal/vectorstore"
)

const maxBodySize = 1 << 20 // 1MB

// Deps carries what the handlers need. Token is optional; when set, all /v1
// routes require it as a bearer token.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Token    string
	Logger   *slog.Logger
}

type indexRequest struct {
	Dir             string `json:"dir"`
	Collection      string `json:"collection"`
	ModelProfile    string `json:"model_profile"`
	FileTypeProfile string `json:"file_type_profile"`
}

type queryRequest struct {
	Collection   string `json:"collection"`
	Question     string `json:"question"`
	ModelProfile string `json:"model_profile"`
}

// NewHandler builds the HTTP routing table.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(bearerAuth(deps.Token))
		}
		r.Post("/index", handleIndex(deps))
		r.Post("/query", handleQuery(deps))
		r.Get("/collections", handleListCollections(deps))
		r.Delete("/collections/{name}", handleDeleteCollection(deps))
		r.Get("/collections/{name}/versions", handleListVersions(deps))
	})

	return r
}

// requestID tags every request with an ID for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func handleIndex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req indexRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Dir == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "dir is required")
			return
		}
		if req.Collection == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "collection is required")
			return
		}

		stats, err := deps.Pipeline.LoadAndIndex(r.Context(), pipeline.IndexRequest{
			Dir:             req.Dir,
			Collection:      req.Collection,
			ModelProfile:    req.ModelProfile,
			FileTypeProfile: req.FileTypeProfile,
		})
		if err != nil {
			writeMappedError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Collection == "" || req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "collection and question are required")
			return
		}

		result, err := deps.Pipeline.Query(r.Context(), pipeline.QueryRequest{
			Collection:   req.Collection,
			Question:     req.Question,
			ModelProfile: req.ModelProfile,
		})
		if err != nil {
			writeMappedError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleListCollections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := deps.Pipeline.ListCollections(r.Context())
		if err != nil {
			writeMappedError(w, deps.Logger, err)
			return
		}
		type collection struct {
			Name          string `json:"name"`
			ModelID       string `json:"embedding_model"`
			Dimension     int    `json:"dimension"`
			RecordCount   int    `json:"record_count"`
			DocumentCount int    `json:"document_count"`
		}
		out := make([]collection, 0, len(infos))
		for _, i := range infos {
			out = append(out, collection(i))
		}
		writeJSON(w, http.StatusOK, map[string]any{"collections": out})
	}
}

func handleDeleteCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := deps.Pipeline.DeleteCollection(r.Context(), name); err != nil {
			writeMappedError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
	}
}

func handleListVersions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		families, err := deps.Pipeline.ListVersions(r.Context(), name)
		if err != nil {
			writeMappedError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"collection": name, "families": families})
	}
}

// writeMappedError translates pipeline errors into HTTP statuses.
func writeMappedError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var pe *provider.Error
	switch {
	case errors.Is(err, vectorstore.ErrCollectionNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, vectorstore.ErrCollectionConflict):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, config.ErrUnknownProfile),
		errors.Is(err, loader.ErrBadDirectory),
		errors.Is(err, loader.ErrEmptyCorpus),
		errors.Is(err, vectorstore.ErrEmptyCollection),
		errors.Is(err, queryengine.ErrModelMismatch),
		errors.Is(err, provider.ErrEmptyInput):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.As(err, &pe):
		logger.Error("provider call failed", "error", err)
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	default:
		logger.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
