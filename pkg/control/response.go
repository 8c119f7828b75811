package control

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
)

// ErrorBody is the JSON shape of every error answered by the gateway
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError answers with the status mapped from the error type. Causes
// are not exposed.
func WriteError(w http.ResponseWriter, err error) {
	detail := ErrorDetail{
		Type:    string(errors.ErrorTypeInternal),
		Message: "internal error",
	}
	var domainErr *errors.DomainError
	if stderrors.As(err, &domainErr) {
		detail.Type = string(domainErr.Type)
		detail.Message = domainErr.Message
	}
	WriteJSON(w, errors.HTTPStatus(err), ErrorBody{Error: detail})
}

// DecodeError rebuilds a DomainError from an error response
func DecodeError(status int, body []byte) error {
	var decoded ErrorBody
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error.Type != "" {
		return errors.NewDomainError(errors.ErrorType(decoded.Error.Type), decoded.Error.Message, nil).
			WithContext("status", status)
	}

	message := fmt.Sprintf("unexpected response: %s", http.StatusText(status))
	switch status {
	case http.StatusUnauthorized:
		return errors.NewUnauthorizedError(message, nil)
	case http.StatusForbidden:
		return errors.NewForbiddenError(message, nil)
	case http.StatusTooManyRequests:
		return errors.NewTooManyRequestsError(message, nil)
	case http.StatusNotFound:
		return errors.NewNotFoundError(message, nil)
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return errors.NewUpstreamUnavailableError(message, nil)
	default:
		return errors.NewNetworkError(message, nil).WithContext("status", status)
	}
}
