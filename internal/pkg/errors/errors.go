// Package errors renders API failures as RFC 9457 problem documents.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
)

// APIError is an error carrying its HTTP status.
type APIError struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

func New(status int, title, detail string) *APIError {
	return &APIError{Status: status, Title: title, Detail: detail}
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return e.Title
	}
	return e.Title + ": " + e.Detail
}

// WriteError writes err as application/problem+json. Errors that are not *APIError become a 500
// without leaking their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *APIError
	if !stderrors.As(err, &apiErr) {
		apiErr = New(http.StatusInternalServerError, "Internal Server Error", "")
	}
	body := struct {
		*APIError
		Instance string `json:"instance,omitempty"`
	}{APIError: apiErr}
	if r != nil {
		body.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(body)
}
