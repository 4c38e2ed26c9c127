// Package api exposes the jail engine over HTTP: read queries, host ingestion
// of subject presence and movement, and staff operations.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/go-chi/chi/v5"

	"github.com/MRamiBalles/devjails/internal/bail"
	"github.com/MRamiBalles/devjails/internal/economy"
	"github.com/MRamiBalles/devjails/internal/engine"
	"github.com/MRamiBalles/devjails/internal/infra/storage"
	"github.com/MRamiBalles/devjails/internal/network"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/world"
)

// Handler provides the shared dependencies of every endpoint.
type Handler struct {
	// DefaultTempDuration is the sentence used for admissions asking for "temp".
	DefaultTempDuration time.Duration

	engine  *engine.Engine
	bail    *bail.Service
	hub     *network.Hub
	store   storage.Gateway
	effects EffectSource
	economy economy.Economy
	log     *logger.Logger
}

// EffectSource holds the world effects waiting for the host.
type EffectSource interface {
	DrainEffects() world.Effects
}

// HandlerDeps groups the collaborators of a Handler. Hub, Store, Effects and
// Economy may be nil; their routes are then not registered.
type HandlerDeps struct {
	Engine  *engine.Engine
	Bail    *bail.Service
	Hub     *network.Hub
	Store   storage.Gateway
	Effects EffectSource
	Economy economy.Economy
	Log     *logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(d HandlerDeps) *Handler {
	return &Handler{
		engine:  d.Engine,
		bail:    d.Bail,
		hub:     d.Hub,
		store:   d.Store,
		effects: d.Effects,
		economy: d.Economy,
		log:     d.Log,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusOf maps an error class to an HTTP status.
func statusOf(err error) int {
	switch errclass.ClassOf(err) {
	case errclass.ClassNotFound:
		return http.StatusNotFound
	case errclass.ClassConflict, errclass.ClassCanceled:
		return http.StatusConflict
	case errclass.ClassInvalid:
		return http.StatusBadRequest
	case errclass.ClassPersistenceFailed, errclass.ClassAuthorityUnavailable:
		return http.StatusServiceUnavailable
	case errclass.ClassSoftFailure:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the status of its class.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	body := map[string]string{"error": err.Error()}
	var je *errclass.JailError
	if errors.As(err, &je) {
		body["code"] = je.Code
		body["class"] = string(je.Class)
	}
	JSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func subjectParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid subject id")
		return uuid.Nil, false
	}
	return id, true
}
