package registry

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/manifest"
)

// Handler serves the registry HTTP API.
type Handler struct {
	svc *Service
	log *logrus.Logger
}

// NewHandler creates an HTTP handler over the registry service.
func NewHandler(svc *Service, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{svc: svc, log: log}
}

// Register mounts the registry API routes.
func (h *Handler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/plugins", h.search).Methods(http.MethodGet)
	api.HandleFunc("/plugins", h.publish).Methods(http.MethodPost)
	api.HandleFunc("/plugins/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/plugins/{id}/versions/{version}", h.getVersion).Methods(http.MethodGet)
	api.HandleFunc("/plugins/{id}/versions/{version}/artifact", h.download).Methods(http.MethodGet)
}

// publishRequest is the publish payload: the manifest document plus the
// base64-encoded entry-point artifact.
type publishRequest struct {
	Manifest *manifest.Manifest `json:"manifest"`
	Artifact string             `json:"artifact"`
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	f := Filters{
		Query:  r.URL.Query().Get("q"),
		Author: r.URL.Query().Get("author"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	entries, err := h.svc.Search(r.Context(), f)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"plugins": entries})
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Manifest == nil {
		h.writeError(w, http.StatusBadRequest, "manifest is required")
		return
	}
	artifact, err := base64.StdEncoding.DecodeString(req.Artifact)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "artifact must be base64 encoded")
		return
	}

	if err := h.svc.Publish(r.Context(), req.Manifest, artifact); err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{
		"identifier": req.Manifest.Identifier,
		"version":    req.Manifest.Version,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, m, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entry":    entry,
		"manifest": m,
	})
}

func (h *Handler) getVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m, err := h.svc.Manifest(r.Context(), vars["id"], vars["version"])
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	_, artifact, err := h.svc.Fetch(r.Context(), vars["id"], vars["version"])
	if err != nil {
		h.serviceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(artifact) //nolint:errcheck
}

// serviceError maps service failures onto HTTP statuses.
func (h *Handler) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyPublished):
		h.writeError(w, http.StatusConflict, err.Error())
	case errdefs.IsValidation(err):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.log.WithError(err).Error("Registry request failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Error("Failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
