package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/engine"
)

type onlineRequest struct {
	Name     string          `json:"name"`
	Location region.Location `json:"location"`
}

// Online is called by the host when a subject joins.
func (h *Handler) Online(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	var req onlineRequest
	if !decode(w, r, &req) {
		return
	}
	jailed := h.engine.Connect(id, req.Name, req.Location)
	JSON(w, http.StatusOK, map[string]bool{"jailed": jailed})
}

// Offline is called by the host when a subject leaves.
func (h *Handler) Offline(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	if err := h.engine.Disconnect(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveRequest struct {
	Location region.Location `json:"location"`
}

// Move is called by the host for every position update of a subject.
func (h *Handler) Move(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if !decode(w, r, &req) {
		return
	}
	out, ok := h.engine.Move(r.Context(), id, req.Location)
	if !ok {
		Error(w, http.StatusNotFound, "subject is not online")
		return
	}
	JSON(w, http.StatusOK, out)
}

type checkRequest struct {
	Action  string `json:"action"`
	Command string `json:"command"`
	Target  string `json:"target"`
}

// Check is called by the host before letting a subject act; the answer
// follows the restriction policy for jailed subjects.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	var req checkRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := engine.ParseAction(req.Action)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	at := engine.Attempt{Action: action, Command: req.Command}
	if req.Target != "" {
		if at.Target, err = uuid.Parse(req.Target); err != nil {
			Error(w, http.StatusBadRequest, "invalid target id")
			return
		}
	}
	JSON(w, http.StatusOK, h.engine.Check(id, at))
}

// Effects hands the host every pending world effect: teleports, titles and
// remediation commands. Each effect is returned once.
func (h *Handler) Effects(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.effects.DrainEffects())
}
