package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/MRamiBalles/devjails/internal/domain/prisoner"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
	"github.com/MRamiBalles/devjails/internal/platform/timefmt"
	"github.com/MRamiBalles/devjails/internal/prisoners"
)

// prisonerView adds the live remaining time to a prisoner record.
type prisonerView struct {
	*prisoner.Prisoner
	Permanent       bool   `json:"permanent"`
	Remaining       string `json:"remaining,omitempty"`
	RemainingMillis int64  `json:"remaining_ms"`
}

func (h *Handler) view(p *prisoner.Prisoner) prisonerView {
	v := prisonerView{Prisoner: p}
	rem, permanent, err := h.engine.Prisoners().Remaining(p.SubjectID)
	if err != nil {
		return v
	}
	v.Permanent = permanent
	if !permanent {
		v.Remaining = timefmt.Format(rem)
		v.RemainingMillis = rem.Milliseconds()
	}
	return v
}

// ListPrisoners lists prisoners, optionally filtered by ?jail= or ?bail=true.
func (h *Handler) ListPrisoners(w http.ResponseWriter, r *http.Request) {
	reg := h.engine.Prisoners()
	var list []*prisoner.Prisoner
	switch {
	case r.URL.Query().Get("jail") != "":
		list = reg.AllByJail(r.URL.Query().Get("jail"))
	case r.URL.Query().Get("bail") == "true":
		list = reg.AllWithBail()
	default:
		list = reg.All()
	}
	out := make([]prisonerView, 0, len(list))
	for _, p := range list {
		out = append(out, h.view(p))
	}
	JSON(w, http.StatusOK, out)
}

func (h *Handler) GetPrisoner(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	p, ok := h.engine.Prisoners().Get(id)
	if !ok {
		Error(w, http.StatusNotFound, "subject is not jailed")
		return
	}
	JSON(w, http.StatusOK, h.view(p))
}

type admitRequest struct {
	Jail     string `json:"jail"`
	Reason   string `json:"reason"`
	Staff    string `json:"staff"`
	Duration string `json:"duration"` // empty for permanent, "temp" for the default, else "1d2h30m"
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := timefmt.Parse(s)
	if err != nil {
		return 0, errclass.ErrInvalidArgument.Wrap(err)
	}
	return d, nil
}

func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	var req admitRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := parseDuration(req.Duration)
	if req.Duration == "temp" {
		d, err = h.DefaultTempDuration, nil
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.engine.Prisoners().Admit(r.Context(), id, req.Jail, req.Reason, req.Staff, prisoner.For(d))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, h.view(p))
}

// Release frees a subject manually. ?staff= names the actor.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	dest, err := h.engine.Prisoners().Release(r.Context(), id, r.URL.Query().Get("staff"), prisoners.ReasonManual)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"released": true, "location": dest})
}

type extendRequest struct {
	Duration string `json:"duration"`
	Staff    string `json:"staff"`
}

func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	var req extendRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := parseDuration(req.Duration)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.engine.Prisoners().ExtendSentence(r.Context(), id, d, req.Staff)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.view(p))
}

type bailRequest struct {
	Amount float64 `json:"amount"`
	Staff  string  `json:"staff"`
}

func (h *Handler) SetBail(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	var req bailRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.bail.SetBail(r.Context(), id, req.Amount, req.Staff)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.view(p))
}

type payRequest struct {
	Payer     string `json:"payer"`
	PayerName string `json:"payer_name"`
}

// PayBail answers 200 with the bail result; only release failures carry an error.
func (h *Handler) PayBail(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	var req payRequest
	if !decode(w, r, &req) {
		return
	}
	payer, err := uuid.Parse(req.Payer)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid payer id")
		return
	}
	res, err := h.bail.PayBail(r.Context(), payer, req.PayerName, id)
	body := map[string]interface{}{"result": res}
	if err != nil {
		h.log.Warn("Bail release failed", "subject", id.String(), "error", err)
		body["error"] = err.Error()
	}
	JSON(w, http.StatusOK, body)
}

type restraintRequest struct {
	Restrained bool   `json:"restrained"`
	Staff      string `json:"staff"`
}

func (h *Handler) SetRestraint(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	var req restraintRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.engine.Prisoners().SetRestrained(r.Context(), id, req.Restrained, req.Staff)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.view(p))
}

type releaseSpawnRequest struct {
	Choice string `json:"choice"` // world_spawn or original_location
}

func (h *Handler) SetReleaseSpawn(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	var req releaseSpawnRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.engine.Prisoners().SetReleaseSpawn(r.Context(), id, prisoner.ParseReleaseSpawn(req.Choice))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.view(p))
}
