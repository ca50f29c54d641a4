package handlers

import (
	"io"
	"net/http"
	"strconv"

	"tsxstudio/internal/httpkit"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/middleware"
)

const defaultHistoryLimit = 50

// GetCredits returns the caller's entitlement, creating the free one lazily.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	e, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, e)
	return nil
}

func (h *Handler) CreditHistory(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return errors.ValidationField("limit", "limit must be a positive integer")
		}
		limit = n
	}
	txs, err := h.ledger.History(r.Context(), userID, limit)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, txs)
	return nil
}

type signupRequest struct {
	ReferrerID string `json:"referrerId,omitempty"`
}

// SignupGrant credits a new user once, plus the referrer when one is named.
func (h *Handler) SignupGrant(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	var req signupRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		return errors.WrapWithCode(err, errors.CodeBadRequest, "api.credits.signup", "invalid JSON body")
	}
	created, err := h.ledger.SignupGrant(r.Context(), userID, req.ReferrerID)
	if err != nil {
		return err
	}
	e, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpkit.WriteJSON(w, status, map[string]any{"granted": created, "entitlement": e})
	return nil
}
