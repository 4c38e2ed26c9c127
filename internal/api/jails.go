package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/infra/storage"
)

// Stats reports durable record counts and live engine state.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"prisoners_live": h.engine.Prisoners().Count(),
		"jails_live":     len(h.engine.Jails().Jails()),
		"loop_depth":     h.engine.Loop().Depth(),
		"throttled":      h.engine.Escape().Tracked(),
	}
	if h.hub != nil {
		out["staff_clients"] = h.hub.Clients()
	}
	if h.store != nil {
		st, err := storage.CollectStats(r.Context(), h.store)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out["storage"] = st
	}
	JSON(w, http.StatusOK, out)
}

// Reload re-reads prisoners from storage.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Prisoners().Reload(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// Sweep runs one expiration sweep immediately.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]int{"released": h.engine.Sweep(r.Context())})
}

func (h *Handler) ListJails(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.engine.Jails().Jails())
}

func (h *Handler) GetJail(w http.ResponseWriter, r *http.Request) {
	j, ok := h.engine.Jails().Jail(chi.URLParam(r, "name"))
	if !ok {
		Error(w, http.StatusNotFound, "unknown jail")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"jail":      j,
		"prisoners": h.engine.Prisoners().AllByJail(j.Name),
	})
}

type jailRequest struct {
	Spawn region.Location `json:"spawn"`
}

// PutJail creates a jail or moves its spawn, keeping any area binding.
func (h *Handler) PutJail(w http.ResponseWriter, r *http.Request) {
	var req jailRequest
	if !decode(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")
	created, err := h.engine.Jails().CreateOrUpdateJail(r.Context(), name, req.Spawn)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	j, _ := h.engine.Jails().Jail(name)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	JSON(w, status, j)
}

func (h *Handler) DeleteJail(w http.ResponseWriter, r *http.Request) {
	removed, err := h.engine.Jails().RemoveJail(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !removed {
		Error(w, http.StatusNotFound, "unknown jail")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type linkRequest struct {
	Area string `json:"area"`
}

// LinkJail binds a jail to an area reference: "wg:<region>" for an external
// region, "flag:<name>" or a bare name for an owned area.
func (h *Handler) LinkJail(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !decode(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.engine.Jails().LinkJailToArea(r.Context(), name, req.Area); err != nil {
		h.fail(w, r, err)
		return
	}
	j, _ := h.engine.Jails().Jail(name)
	JSON(w, http.StatusOK, j)
}

func (h *Handler) UnlinkJail(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.engine.Jails().UnlinkJail(r.Context(), name); err != nil {
		h.fail(w, r, err)
		return
	}
	j, _ := h.engine.Jails().Jail(name)
	JSON(w, http.StatusOK, j)
}

func (h *Handler) ListAreas(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.engine.Jails().Areas())
}

type areaRequest struct {
	A region.Location `json:"a"`
	B region.Location `json:"b"`
}

func (h *Handler) PutArea(w http.ResponseWriter, r *http.Request) {
	var req areaRequest
	if !decode(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")
	created, err := h.engine.Jails().CreateOrUpdateArea(r.Context(), name, req.A, req.B)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	a, _ := h.engine.Jails().Area(name)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	JSON(w, status, a)
}

// DeleteArea removes an owned area and unlinks every jail bound to it.
func (h *Handler) DeleteArea(w http.ResponseWriter, r *http.Request) {
	removed, err := h.engine.Jails().RemoveArea(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !removed {
		Error(w, http.StatusNotFound, "unknown area")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
