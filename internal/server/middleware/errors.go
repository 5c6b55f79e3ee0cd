// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/3leaps/evalwatch/internal/errors"
)

// ErrorResponse is the JSON body written for recovered panics.
type ErrorResponse = apperrors.HTTPErrorResponse

// RequestID propagates X-Request-ID, generating one when absent.
func RequestID(next http.Handler) http.Handler {
	return chimw.RequestID(next)
}

// Recovery converts panics into a 500 JSON error envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			appErr := apperrors.WrapInternal(r.Context(), nil, fmt.Sprintf("panic: %v", rec))
			if err, ok := rec.(error); ok {
				appErr.Err = err
			}
			writeErrorResponse(w, appErr)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias of Recovery kept for router wiring symmetry.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, appErr *apperrors.AppError) {
	apperrors.WriteJSON(w, appErr.Status, ErrorResponse{Error: apperrors.HTTPError{
		Code:      appErr.Code,
		Message:   appErr.Message,
		RequestID: appErr.RequestID,
		Details:   appErr.Details,
	}})
}
