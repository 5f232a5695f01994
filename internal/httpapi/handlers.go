package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reservation-ledger/internal/account"
	"reservation-ledger/internal/domain"
	"reservation-ledger/internal/reservation"
	"reservation-ledger/internal/store"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	readTimeout  = 3 * time.Second
	writeTimeout = 5 * time.Second
)

type Handlers struct {
	accounts     *account.Service
	reservations *reservation.Service
	logger       *zap.Logger
}

func NewHandlers(accounts *account.Service, reservations *reservation.Service, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{accounts: accounts, reservations: reservations, logger: logger.Named("http")}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

var maxCents = decimal.NewFromInt(math.MaxInt64)

// parseAmountCents turns a decimal string in major units ("1.99") into cents.
// The sign is kept: rejecting negative amounts is the services' job.
func parseAmountCents(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", store.ErrValidation, s)
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%w: amount %q has more than two decimal places", store.ErrValidation, s)
	}
	if cents.Abs().GreaterThan(maxCents) {
		return 0, fmt.Errorf("%w: amount %q out of range", store.ErrValidation, s)
	}
	return cents.IntPart(), nil
}

func parseReservationID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid reservation id %q", store.ErrValidation, s)
	}
	return id, nil
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	// Domain errors
	case errors.Is(err, domain.ErrSelfTarget),
		errors.Is(err, domain.ErrNegativeAmount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, domain.ErrReservationNotFound):
		return http.StatusNotFound

	// Store-level semantic errors
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	// Context / timeouts
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	// Don’t leak internals on 5xx.
	if code >= 500 {
		return "internal error"
	}
	return err.Error()
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusForErr(err)
	if code >= 500 {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", store.CorrelationID(r.Context())),
			zap.Error(err),
		)
	}
	writeErr(w, code, publicErrMessage(code, err))
}

// POST /v1/accounts
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	acc, err := h.accounts.Open(ctx, req.Account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.NewAccountResponse(acc))
}

// GET /v1/accounts/{account}
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	acc, err := h.accounts.Account(ctx, mux.Vars(r)["account"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewAccountResponse(acc))
}

// POST /v1/accounts/{account}/deposits
func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	var req domain.AmountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	amount, err := parseAmountCents(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	acc, err := h.accounts.Deposit(ctx, mux.Vars(r)["account"], amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewAccountResponse(acc))
}

// POST /v1/accounts/{account}/transfers
func (h *Handlers) Transfer(w http.ResponseWriter, r *http.Request) {
	var req domain.TargetAmountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	amount, err := parseAmountCents(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	from, _, err := h.accounts.Transfer(ctx, mux.Vars(r)["account"], req.Target, amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewAccountResponse(from))
}

// POST /v1/accounts/{account}/reservations
func (h *Handlers) Reserve(w http.ResponseWriter, r *http.Request) {
	var req domain.TargetAmountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	amount, err := parseAmountCents(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	res, err := h.reservations.Reserve(ctx, mux.Vars(r)["account"], req.Target, amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// POST /v1/accounts/{account}/reservations/{id}/release
func (h *Handlers) Release(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := parseReservationID(vars["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	acc, err := h.reservations.Release(ctx, vars["account"], id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewAccountResponse(acc))
}

// POST /v1/accounts/{account}/reservations/{id}/punish
func (h *Handlers) Punish(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := parseReservationID(vars["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	acc, err := h.reservations.Punish(ctx, vars["account"], id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewAccountResponse(acc))
}
