package httpapi

import (
	"errors"
	"net/http"

	"github.com/bnema/questd/internal/domain"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorMappings is shared by the server, which maps errors to responses, and the
// client, which maps response codes back to the same sentinel errors.
var errorMappings = []errorMapping{
	{domain.ErrCapacityReached, http.StatusTooManyRequests, "capacity_reached"},
	{domain.ErrNoWorkerAvailable, http.StatusTooManyRequests, "no_worker_available"},
	{domain.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{domain.ErrIdentityNotFound, http.StatusNotFound, "identity_not_found"},
	{domain.ErrQuestNotFound, http.StatusNotFound, "quest_not_found"},
	{domain.ErrSecretNotFound, http.StatusNotFound, "credential_not_found"},
	{domain.ErrSessionAlreadyStarted, http.StatusConflict, "session_already_started"},
	{domain.ErrSessionTerminated, http.StatusConflict, "session_terminated"},
	{domain.ErrQuestCompleted, http.StatusConflict, "quest_completed"},
	{domain.ErrIdentityInactive, http.StatusForbidden, "identity_inactive"},
	{domain.ErrInvalidCredential, http.StatusBadRequest, "invalid_credential"},
	{domain.ErrNoTaskSelected, http.StatusBadRequest, "no_task_selected"},
	{domain.ErrUnauthorized, http.StatusBadGateway, "credential_rejected"},
	{domain.ErrRateLimited, http.StatusServiceUnavailable, "rate_limited"},
}

var errInvalidRequest = errors.New("invalid request")

func statusFor(err error) (int, string) {
	if errors.Is(err, errInvalidRequest) {
		return http.StatusBadRequest, "invalid_request"
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func errorForCode(code string) error {
	for _, m := range errorMappings {
		if m.code == code {
			return m.err
		}
	}
	return nil
}

// APIError is a non-2xx response from the control surface. It unwraps to the
// domain error the server mapped, so callers can use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Status)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return errorForCode(e.Code)
}
