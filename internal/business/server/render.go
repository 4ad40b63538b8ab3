package server

import (
	"encoding/json"
	"errors"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-provider/internal/serviceerr"
)

// ErrorModel is the JSON body of every error response. It follows the
// RFC6749 section 5.2 error response.
type ErrorModel struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err. Errors that are not a *serviceerr.Error are logged
// and reported as server_error without details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	model, status := toErrorModel(err)
	if status >= http.StatusInternalServerError {
		slogctx.Error(r.Context(), "Request failed", "error", err)
	}

	writeJSON(w, status, model)
}

func toErrorModel(err error) (ErrorModel, int) {
	var serviceErr *serviceerr.Error
	if !errors.As(err, &serviceErr) {
		serviceErr = serviceerr.New(serviceerr.CodeServerError, "internal error")
	}

	return ErrorModel{
		Error:            string(serviceErr.Err),
		ErrorDescription: serviceErr.Description,
	}, serviceErr.HTTPStatus()
}

func newBadRequest(description string) error {
	return serviceerr.New(serviceerr.CodeInvalidRequest, description)
}

func redirect(w http.ResponseWriter, r *http.Request, location string) {
	http.Redirect(w, r, location, http.StatusSeeOther)
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
