package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcpgate/mcpgate/internal/errs"
)

// errorBody is the uniform error envelope every failing endpoint returns.
type errorBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Message     string         `json:"message"`
	Code        errs.Code      `json:"code"`
	Recoverable bool           `json:"recoverable"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// statusFor maps gateway error codes onto HTTP statuses.
func statusFor(code errs.Code) int {
	switch code {
	case errs.Unauthorized:
		return http.StatusUnauthorized
	case errs.RateLimited:
		return http.StatusTooManyRequests
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InvalidArgument, errs.ProtocolError:
		return http.StatusBadRequest
	case errs.PreconditionFailed:
		return http.StatusPreconditionFailed
	case errs.NoHealthyInstance, errs.BreakerOpen, errs.QueueFull,
		errs.ConnectError, errs.NotConnected, errs.Closed:
		return http.StatusServiceUnavailable
	case errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.WriteError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		e = errs.Wrap(errs.Internal, err, "internal error")
	}
	writeJSON(w, statusFor(e.Code), errorBody{
		Error: errorDetail{
			Message:     e.Message,
			Code:        e.Code,
			Recoverable: e.Recoverable(),
			Meta:        e.Meta,
		},
	})
}
