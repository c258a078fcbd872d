// Package api is the local HTTP control API of the updater daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Samankhalid01/capacitor-updater/shared/status"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/activation"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/bundle"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/manager"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/notify"
)

// Manager is the bundle lifecycle surface served by the API
type Manager interface {
	Current() manager.Current
	List() []bundle.Bundle
	Get(id string) (bundle.Bundle, error)
	Download(ctx context.Context, url, versionName string) (bundle.Bundle, error)
	Next(id, versionName string) (bundle.Bundle, error)
	Set(id, versionName string) (bundle.Bundle, error)
	Delete(id string) error
	Reset(toLastSuccessful bool) error
	Reload() error
	NotifyAppReady() (bundle.Bundle, error)
	DelayUpdate() error
	CancelDelay() error
	OnForeground()
	OnBackground() (activation.Outcome, error)
}

// DownloadRequest is the body of POST /api/bundles
type DownloadRequest struct {
	URL     string `json:"url"`
	Version string `json:"version"`
}

// SelectRequest is the optional body of the next and set endpoints
type SelectRequest struct {
	VersionName string `json:"versionName,omitempty"`
}

// ResetRequest is the optional body of POST /api/reset
type ResetRequest struct {
	ToLastSuccessful bool `json:"toLastSuccessful"`
}

// TransitionResponse reports what a lifecycle hook did
type TransitionResponse struct {
	Outcome activation.Outcome `json:"outcome"`
}

type emptyObject struct{}

// Option configures the control API handler
type Option func(*handler)

// WithAllowedOrigins lets browsers on the given origins call the API. "*" allows any
// origin. Without it every request carrying an Origin header is rejected.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *handler) {
		h.allowedOrigins = append(h.allowedOrigins, origins...)
	}
}

type handler struct {
	manager        Manager
	bus            *notify.Bus
	allowedOrigins []string
}

// NewHandler registers the control endpoints under /api. bus may be nil, in which case
// the event stream is not served.
func NewHandler(m Manager, bus *notify.Bus, opts ...Option) http.Handler {
	h := &handler{manager: m, bus: bus}
	for _, opt := range opts {
		opt(h)
	}

	rootRouter := mux.NewRouter()
	router := rootRouter.PathPrefix("/api").Subrouter()
	router.Use(requestID, h.corsHandler().Handler, h.originGuard)

	router.HandleFunc("/current", h.getCurrent).Methods("GET", "OPTIONS")
	router.HandleFunc("/bundles", h.listBundles).Methods("GET", "OPTIONS")
	router.HandleFunc("/bundles", h.downloadBundle).Methods("POST", "OPTIONS")
	router.HandleFunc("/bundles/{id}", h.getBundle).Methods("GET", "OPTIONS")
	router.HandleFunc("/bundles/{id}", h.deleteBundle).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/bundles/{id}/next", h.nextBundle).Methods("POST", "OPTIONS")
	router.HandleFunc("/bundles/{id}/set", h.setBundle).Methods("POST", "OPTIONS")

	router.HandleFunc("/reset", h.reset).Methods("POST", "OPTIONS")
	router.HandleFunc("/reload", h.reload).Methods("POST", "OPTIONS")
	router.HandleFunc("/ready", h.notifyAppReady).Methods("POST", "OPTIONS")
	router.HandleFunc("/delay", h.delayUpdate).Methods("POST", "OPTIONS")
	router.HandleFunc("/delay", h.cancelDelay).Methods("DELETE", "OPTIONS")

	router.HandleFunc("/lifecycle/foreground", h.onForeground).Methods("POST", "OPTIONS")
	router.HandleFunc("/lifecycle/background", h.onBackground).Methods("POST", "OPTIONS")

	if bus != nil {
		router.HandleFunc("/events", h.events).Methods("GET")
	}

	return rootRouter
}

func (h *handler) getCurrent(w http.ResponseWriter, r *http.Request) {
	WriteJSONObject(r.Context(), w, h.manager.Current())
}

func (h *handler) listBundles(w http.ResponseWriter, r *http.Request) {
	WriteJSONObject(r.Context(), w, h.manager.List())
}

func (h *handler) getBundle(w http.ResponseWriter, r *http.Request) {
	b, err := h.manager.Get(mux.Vars(r)["id"])
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, b)
}

func (h *handler) downloadBundle(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse("couldn't parse JSON request", http.StatusBadRequest, w)
		return
	}

	b, err := h.manager.Download(r.Context(), req.URL, req.Version)
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, b)
}

func (h *handler) deleteBundle(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Delete(mux.Vars(r)["id"]); err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, emptyObject{})
}

func (h *handler) nextBundle(w http.ResponseWriter, r *http.Request) {
	h.selectBundle(w, r, h.manager.Next)
}

func (h *handler) setBundle(w http.ResponseWriter, r *http.Request) {
	h.selectBundle(w, r, h.manager.Set)
}

func (h *handler) selectBundle(w http.ResponseWriter, r *http.Request, apply func(id, versionName string) (bundle.Bundle, error)) {
	var req SelectRequest
	if err := decodeOptional(r, &req); err != nil {
		WriteErrorResponse("couldn't parse JSON request", http.StatusBadRequest, w)
		return
	}

	b, err := apply(mux.Vars(r)["id"], req.VersionName)
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, b)
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decodeOptional(r, &req); err != nil {
		WriteErrorResponse("couldn't parse JSON request", http.StatusBadRequest, w)
		return
	}

	if err := h.manager.Reset(req.ToLastSuccessful); err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, h.manager.Current())
}

func (h *handler) reload(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Reload(); err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, h.manager.Current())
}

func (h *handler) notifyAppReady(w http.ResponseWriter, r *http.Request) {
	b, err := h.manager.NotifyAppReady()
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, b)
}

func (h *handler) delayUpdate(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DelayUpdate(); err != nil {
		WriteError(r.Context(), status.Wrap(status.StorageError, err, "delay update"), w)
		return
	}
	WriteJSONObject(r.Context(), w, emptyObject{})
}

func (h *handler) cancelDelay(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.CancelDelay(); err != nil {
		WriteError(r.Context(), status.Wrap(status.StorageError, err, "cancel delay"), w)
		return
	}
	WriteJSONObject(r.Context(), w, emptyObject{})
}

func (h *handler) onForeground(w http.ResponseWriter, r *http.Request) {
	h.manager.OnForeground()
	WriteJSONObject(r.Context(), w, emptyObject{})
}

func (h *handler) onBackground(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.manager.OnBackground()
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, TransitionResponse{Outcome: outcome})
}

// decodeOptional decodes the body into v unless the body is empty
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
