package server

import (
	"encoding/json"
	"net/http"

	"codeask/internal/errors"
)

// ErrorResponse represents an HTTP error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// writeError maps a typed error to its HTTP status and writes the JSON body
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	resp := ErrorResponse{Error: err.Error(), Code: string(errors.InternalError)}
	var askErr *errors.AskError
	if errors.As(err, &askErr) {
		resp.Code = string(askErr.Code)
		resp.Details = askErr.Details
		resp.Error = askErr.Message
	}

	w.WriteHeader(statusForCode(errors.CodeOf(err)))
	json.NewEncoder(w).Encode(resp)
}

func writeStatusError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Code: codeForStatus(status)})
}

func statusForCode(code errors.ErrorCode) int {
	switch code {
	case errors.RateLimitExceeded:
		return http.StatusTooManyRequests // 429
	case errors.IterationLimitExceeded:
		return http.StatusUnprocessableEntity // 422
	case errors.Timeout:
		return http.StatusGatewayTimeout // 504
	case errors.Cancelled:
		return http.StatusRequestTimeout // 408
	case errors.ConfigInvalid:
		return http.StatusBadRequest // 400
	case errors.RepoSyncFailed, errors.RepoCloneFailed, errors.ServerConnectFailed:
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusTooManyRequests:
		return string(errors.RateLimitExceeded)
	case http.StatusBadRequest:
		return string(errors.ConfigInvalid)
	default:
		return string(errors.InternalError)
	}
}
