// Copyright 2024-2026 Aiku AI

// Package web exposes the appservice HTTP surface the homeserver pushes
// to, plus the identity lookup endpoint.
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-email-bridge/pkg/matrix"
)

type Handler struct {
	as  *matrix.AppService
	log zerolog.Logger
}

func NewHandler(as *matrix.AppService, log zerolog.Logger) *Handler {
	return &Handler{as: as, log: log.With().Str("component", "web").Logger()}
}

// Router builds the appservice routes. The legacy unprefixed paths are
// kept alongside the /_matrix/app/v1 ones because older homeservers push
// to them.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	for _, prefix := range []string{"", "/_matrix/app/v1"} {
		r.Put(prefix+"/transactions/{txnID}", h.putTransaction)
		r.Get(prefix+"/users/{userID}", h.getUser)
		r.Get(prefix+"/rooms/{alias}", h.getRoom)
	}
	r.Get("/_matrix/identity/api/v1/lookup", h.lookup)
	return r
}

// token pulls the homeserver credential from the access_token query
// parameter or a Bearer header.
func token(r *http.Request) string {
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return rest
	}
	return ""
}

type transactionBody struct {
	Events []*event.Event `json:"events"`
}

func (h *Handler) putTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txnID")

	var body transactionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.log.Warn().Err(err).Str("txn_id", txnID).Msg("Undecodable transaction body")
		h.writeError(w, http.StatusBadRequest, "M_NOT_JSON", "transaction body is not valid JSON")
		return
	}

	if err := h.as.ProcessTransaction(r.Context(), token(r), txnID, body.Events); err != nil {
		h.writeAPIError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	userID := id.UserID(chi.URLParam(r, "userID"))
	if err := h.as.QueryUser(r.Context(), token(r), userID); err != nil {
		h.writeAPIError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	if err := h.as.QueryRoom(r.Context(), token(r), alias); err != nil {
		h.writeAPIError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct{}{})
}

type lookupResponse struct {
	Address string    `json:"address"`
	Medium  string    `json:"medium"`
	MXID    id.UserID `json:"mxid"`
}

// lookup is the identity-service 3PID lookup: which Matrix id an e-mail
// address maps to. Unsupported media answer with an empty object, as a
// real identity server does for unknown bindings.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	medium := r.URL.Query().Get("medium")
	address := r.URL.Query().Get("address")
	if medium != "email" || address == "" {
		h.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	h.writeJSON(w, http.StatusOK, lookupResponse{
		Address: address,
		Medium:  medium,
		MXID:    h.as.MatrixIDForEmail(address),
	})
}

func (h *Handler) writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, matrix.ErrNoToken):
		h.writeError(w, http.StatusUnauthorized, "M_UNAUTHORIZED", "no access token supplied")
	case errors.Is(err, matrix.ErrBadToken):
		h.writeError(w, http.StatusForbidden, "M_FORBIDDEN", "invalid access token")
	case errors.Is(err, matrix.ErrUserNotFound), errors.Is(err, matrix.ErrRoomNotFound):
		h.writeError(w, http.StatusNotFound, "M_NOT_FOUND", err.Error())
	default:
		h.log.Error().Err(err).Msg("Request failed")
		h.writeError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
	}
}

type apiError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, apiError{ErrCode: code, Error: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to write response")
	}
}
