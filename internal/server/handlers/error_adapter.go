package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/evalwatch/internal/errors"
)

// HTTPErrorResponder writes err to w.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder replaces the error writer used by all handlers. nil
// restores the default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		httpErrorResponder = apperrors.RespondWithError
		return
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default error writer.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// NotFound answers unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, apperrors.NewNotFoundError("route not found: "+r.URL.Path))
}

// MethodNotAllowed answers known routes hit with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, &apperrors.AppError{
		Code:    apperrors.CodeMethodNotAllowed,
		Status:  http.StatusMethodNotAllowed,
		Message: "method " + r.Method + " not allowed on " + r.URL.Path,
	})
}
