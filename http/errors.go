package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"churnlens/ml"
)

// requestError 请求参数错误
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string {
	return e.message
}

var errEmptyBody = &requestError{status: http.StatusBadRequest, message: "request body is empty"}

func badRequest(msg string) error {
	return &requestError{status: http.StatusBadRequest, message: msg}
}

func notFound(msg string) error {
	return &requestError{status: http.StatusNotFound, message: msg}
}

// errorStatus maps domain errors onto status codes and a metrics label.
func errorStatus(err error) (int, string) {
	var (
		reqErr   *requestError
		unknown  *ml.UnknownCategoryError
		field    *ml.FieldError
		mismatch *ml.DimensionMismatchError
		maxBytes *http.MaxBytesError
	)
	switch {
	case errors.As(err, &reqErr):
		return reqErr.status, "bad_request"
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.As(err, &unknown):
		return http.StatusUnprocessableEntity, "unknown_category"
	case errors.As(err, &field):
		return http.StatusUnprocessableEntity, "field"
	case errors.Is(err, ml.ErrNoModel):
		return http.StatusServiceUnavailable, "no_model"
	case errors.As(err, &mismatch):
		return http.StatusInternalServerError, "dimension_mismatch"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
