package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/MRamiBalles/devjails/internal/economy"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
)

type amountRequest struct {
	Amount float64 `json:"amount"`
}

// economyError maps ledger failures onto the error classes.
func economyError(err error) error {
	switch {
	case errors.Is(err, economy.ErrInsufficientFunds):
		return errclass.ErrInsufficientFunds.Wrap(err)
	case errors.Is(err, economy.ErrInvalidAmount):
		return errclass.ErrInvalidArgument.Wrap(err)
	case errors.Is(err, economy.ErrUnavailable):
		return errclass.ErrAuthorityUnavailable.Wrap(err)
	}
	return err
}

// Balance returns an account balance.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	bal, err := h.economy.Balance(id)
	if err != nil {
		h.fail(w, r, economyError(err))
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"account": id, "balance": bal})
}

// Deposit credits an account, then returns the new balance.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.economy.Deposit)
}

// Withdraw debits an account, then returns the new balance.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.economy.Withdraw)
}

func (h *Handler) moveFunds(w http.ResponseWriter, r *http.Request, op func(uuid.UUID, float64) error) {
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := op(id, req.Amount); err != nil {
		h.fail(w, r, economyError(err))
		return
	}
	h.Balance(w, r)
}
