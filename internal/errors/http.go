package errors

import (
	"context"
	"encoding/json"
	"net/http"
)

type ctxKey struct{}

// HTTPError is the body of every error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

type HTTPErrorResponse struct {
	OK    bool      `json:"ok"`
	Error HTTPError `json:"error"`
}

// WithRequestID stores the request correlation id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// RespondWithError classifies err and writes the matching response.
// Server-side failures never leak the underlying cause to the client.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := Classify(err)
	message := appErr.Message
	if appErr.Status >= http.StatusInternalServerError && appErr.Code == CodeInternal {
		message = "internal server error"
	}
	WriteError(w, r, appErr.Status, appErr.Code, message, appErr.Details)
}

// WriteError writes an error envelope with the given status and code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := HTTPErrorResponse{
		Error: HTTPError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
	if r != nil {
		body.Error.RequestID = RequestIDFromContext(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
