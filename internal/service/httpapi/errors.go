package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/service/dto"
	"github.com/vladislavdragonenkov/ordersvc/internal/service/idempotency"
)

// errorBody — формат ответа об ошибке.
type errorBody struct {
	Status  int               `json:"status"`
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// StatusOf переводит ошибку операции в HTTP статус.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, dto.ErrMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		// сюда же попадает ErrRestockFailed
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInventoryUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTotalPriceNegative),
		errors.Is(err, domain.ErrLinePriceInvalid),
		errors.Is(err, domain.ErrLineQtyInvalid),
		errors.Is(err, domain.ErrStatusInvalid):
		return http.StatusBadRequest
	case domain.IsVersionConflict(err):
		return http.StatusConflict
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, idempotency.ErrKeyConflict):
		return http.StatusUnprocessableEntity
	default:
		// включая ErrStatusMissing: нарушение контракта вызывающего
		return http.StatusInternalServerError
	}
}

// errorResponse строит тело ответа об ошибке.
func errorResponse(err error) (int, []byte) {
	var verrs dto.ValidationErrors
	if errors.As(err, &verrs) {
		return encodeError(errorBody{
			Status:  http.StatusBadRequest,
			Error:   http.StatusText(http.StatusBadRequest),
			Message: "Validation failed",
			Errors:  verrs,
		})
	}

	code := StatusOf(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		message = "internal error"
	}
	return encodeError(errorBody{Status: code, Error: http.StatusText(code), Message: message})
}

func encodeError(body errorBody) (int, []byte) {
	data, _ := json.Marshal(body)
	return body.Status, data
}
