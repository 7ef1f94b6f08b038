package main

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidInput       = errors.New("gallery: invalid input")
	ErrDuplicateUsername  = errors.New("gallery: username already exists")
	ErrInvalidCredentials = errors.New("gallery: invalid username or password")
	ErrUnauthenticated    = errors.New("gallery: no token provided")
	ErrInvalidToken       = errors.New("gallery: token is invalid")
	ErrForbidden          = errors.New("gallery: forbidden")
	ErrNotFound           = errors.New("gallery: not found")
	ErrStorageFailure     = errors.New("gallery: storage failure")
)

// Reasons are part of the API contract, clients match on them.
const (
	ReasonInvalidInput       = "invalid_input"
	ReasonDuplicateUsername  = "duplicate_username"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonUnauthenticated    = "unauthenticated"
	ReasonInvalidToken       = "invalid_token"
	ReasonForbidden          = "forbidden"
	ReasonNotFound           = "not_found"
	ReasonInternal           = "internal_error"
)

var errorTable = []struct {
	err    error
	status int
	reason string
}{
	{ErrInvalidInput, http.StatusBadRequest, ReasonInvalidInput},
	{ErrDuplicateUsername, http.StatusBadRequest, ReasonDuplicateUsername},
	{ErrInvalidCredentials, http.StatusUnauthorized, ReasonInvalidCredentials},
	{ErrUnauthenticated, http.StatusUnauthorized, ReasonUnauthenticated},
	// A token that is present but fails verification is answered with 403,
	// a missing one with 401.
	{ErrInvalidToken, http.StatusForbidden, ReasonInvalidToken},
	{ErrForbidden, http.StatusForbidden, ReasonForbidden},
	{ErrNotFound, http.StatusNotFound, ReasonNotFound},
}

// statusFromError maps an error from the core to a StatusError. Anything not in
// the taxonomy, storage failures included, becomes a 500 with a generic reason.
func statusFromError(err error) *StatusError {
	var statusError *StatusError
	if errors.As(err, &statusError) {
		return statusError
	}

	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return &StatusError{Err: err, Status: e.status, Reason: e.reason}
		}
	}

	return &StatusError{Err: err, Status: http.StatusInternalServerError, Reason: ReasonInternal}
}

type StatusError struct {
	Err    error  `json:"-"`
	Status int    `json:"status,omitempty"`
	Reason string `json:"error,omitempty"`
}

func (a *StatusError) Error() string {
	if a.Err != nil {
		return a.Err.Error()
	}

	return http.StatusText(a.Status)
}

func (a *StatusError) Unwrap() error {
	return a.Err
}
