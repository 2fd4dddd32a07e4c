package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/loader"
	"github.com/gantryio/gantry/pkg/manager"
	"github.com/gantryio/gantry/pkg/manifest"
	"github.com/gantryio/gantry/pkg/observability"
)

// newDiscoveryWatcher wires the loader's directory watcher into the
// manager's Discovered state.
func newDiscoveryWatcher(dir string, mgr *manager.Manager, log *logrus.Logger) (*loader.Watcher, error) {
	w, err := loader.NewWatcher(dir, func(m *manifest.Manifest, artifact []byte, bundleDir string) {
		if err := mgr.Discover(context.Background(), m, artifact); err != nil {
			log.WithError(err).WithField("plugin_id", m.Identifier).Warn("Failed to record discovered plugin")
		}
	}, log)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// panicRecovery contains handler panics, answering 500 instead of
// tearing down the daemon.
func panicRecovery(log *observability.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer observability.RecoverPanicWithCallback(log, r.Method+" "+r.URL.Path, func() {
				w.WriteHeader(http.StatusInternalServerError)
			})
			next.ServeHTTP(w, r)
		})
	}
}

// managerHandler exposes lifecycle operations over HTTP.
type managerHandler struct {
	mgr *manager.Manager
	log *observability.Logger
}

func newManagerHandler(mgr *manager.Manager, log *observability.Logger) *managerHandler {
	return &managerHandler{mgr: mgr, log: log}
}

func (h *managerHandler) register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/runtime/plugins", h.list).Methods(http.MethodGet)
	api.HandleFunc("/runtime/plugins", h.install).Methods(http.MethodPost)
	api.HandleFunc("/runtime/plugins/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/runtime/plugins/{id}", h.uninstall).Methods(http.MethodDelete)
	api.HandleFunc("/runtime/plugins/{id}/activate", h.activate).Methods(http.MethodPost)
	api.HandleFunc("/runtime/plugins/{id}/deactivate", h.deactivate).Methods(http.MethodPost)
	api.HandleFunc("/runtime/plugins/{id}/update", h.update).Methods(http.MethodPost)
}

type installRequest struct {
	Source loader.Source `json:"source"`
}

type activateRequest struct {
	Config map[string]interface{} `json:"config,omitempty"`
}

type updateRequest struct {
	Version      string         `json:"version"`
	PreserveData bool           `json:"preserve_data"`
	Source       *loader.Source `json:"source,omitempty"`
}

func (h *managerHandler) list(w http.ResponseWriter, r *http.Request) {
	records, err := h.mgr.List(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"plugins": records})
}

func (h *managerHandler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.mgr.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *managerHandler) install(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	rec, err := h.mgr.Install(r.Context(), req.Source)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rec)
}

func (h *managerHandler) activate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	if err := h.mgr.Activate(r.Context(), mux.Vars(r)["id"], req.Config); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"state": manager.StateActive})
}

func (h *managerHandler) deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Deactivate(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"state": manager.StateInactive})
}

func (h *managerHandler) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	err := h.mgr.Update(r.Context(), mux.Vars(r)["id"], req.Version, manager.UpdateOptions{
		PreserveData: req.PreserveData,
		Source:       req.Source,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"version": req.Version})
}

func (h *managerHandler) uninstall(w http.ResponseWriter, r *http.Request) {
	preserve := r.URL.Query().Get("preserve_data") == "true"
	err := h.mgr.Uninstall(r.Context(), mux.Vars(r)["id"], manager.Options{PreserveData: preserve})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeErr maps the error taxonomy onto HTTP statuses.
func (h *managerHandler) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		status = http.StatusNotFound
	case errdefs.IsValidation(err):
		status = http.StatusUnprocessableEntity
	case errdefs.IsConflict(err):
		status = http.StatusConflict
	case errdefs.IsPermissionDenied(err):
		status = http.StatusForbidden
	case errdefs.IsLifecycle(err):
		status = http.StatusConflict
	case errdefs.IsResourceLimit(err):
		status = http.StatusTooManyRequests
	case errdefs.IsTimeout(err):
		status = http.StatusGatewayTimeout
	case errdefs.IsExecution(err):
		status = http.StatusBadGateway
	default:
		h.log.WithError(err).Error("Lifecycle request failed")
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *managerHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Error("Failed to encode response")
	}
}
