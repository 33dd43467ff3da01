package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type errorResponse struct {
	Error string       `json:"error"`
	Code  string       `json:"code"`
	Cart  *cartPayload `json:"cart,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

// statusFor раскладывает доменные ошибки по HTTP-статусам.
func statusFor(err error) (int, string) {
	var mutationErr *domain.MutationError
	switch {
	case errors.As(err, &mutationErr):
		if domain.IsTransient(mutationErr.Err) {
			return http.StatusBadGateway, "mutation_failed"
		}
		return http.StatusConflict, "mutation_failed"
	case errors.Is(err, domain.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, domain.ErrQuantityInvalid),
		errors.Is(err, domain.ErrQuantityBelowMinimum),
		errors.Is(err, domain.ErrQuantityAboveMaximum):
		return http.StatusUnprocessableEntity, "quantity_rejected"
	case errors.Is(err, domain.ErrVariantNotPurchasable):
		return http.StatusUnprocessableEntity, "not_purchasable"
	case errors.Is(err, domain.ErrSelectionIncomplete):
		return http.StatusUnprocessableEntity, "selection_incomplete"
	case errors.Is(err, domain.ErrLineItemNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrCartNotLoaded):
		return http.StatusConflict, "cart_not_loaded"
	case errors.Is(err, domain.ErrRegionUnavailable):
		// Без региона действия с корзиной выключены, это не сбой сервиса.
		return http.StatusConflict, "region_unavailable"
	case errors.Is(err, domain.ErrCatalogUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case domain.IsTransient(err):
		return http.StatusBadGateway, "upstream_failure"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	entry := h.logger.WithError(err).WithFields(log.Fields{"path": r.URL.Path, "code": code})
	if status >= http.StatusInternalServerError {
		entry.Warn("request error")
	} else {
		entry.Debug("request rejected")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

// writeCartError отвечает ошибкой вместе с корзиной после отката,
// чтобы клиент сразу показал актуальное состояние.
func (h *Handler) writeCartError(w http.ResponseWriter, r *http.Request, err error, cart *cartPayload) {
	status, code := statusFor(err)
	h.logger.WithError(err).WithFields(log.Fields{
		"path": r.URL.Path,
		"code": code,
	}).Info("cart mutation rejected")
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code, Cart: cart})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "bad_request"})
}
