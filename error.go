package ledgergo

import (
	"errors"
	"fmt"
)

// Domain status codes carried in every response body. These are the wire
// contract of the service, distinct from HTTP status codes.
const (
	StatusOK                 = 200
	StatusInvalidUsername    = 301
	StatusInvalidCredentials = 302
	StatusInsufficientFunds  = 303
	StatusInvalidAmount      = 304
)

var (
	ErrInternalServer = errors.New("internal server error")
)

type ErrBadRequest struct {
	Fields map[string]string `json:"fields"`
}

func (e ErrBadRequest) Error() string {
	return fmt.Sprintf("missing/invalid params: %v", e.Fields)
}

type ErrNotFound struct {
	Username string `json:"username"`
}

func (e ErrNotFound) Error() string {
	return "record not found"
}

type ErrDuplicateUsername struct {
	Username string
}

func (e ErrDuplicateUsername) Error() string {
	return fmt.Sprintf("username %q is taken", e.Username)
}

type ErrInvalidUsername struct {
	Username string
}

func (e ErrInvalidUsername) Error() string {
	return "invalid username"
}

type ErrInvalidCredentials struct{}

func (e ErrInvalidCredentials) Error() string {
	return "invalid credentials"
}

type ErrInvalidReceiver struct {
	Receiver string
}

func (e ErrInvalidReceiver) Error() string {
	return "invalid receiver"
}

type ErrInvalidAmount struct {
	Reason string
}

func (e ErrInvalidAmount) Error() string {
	if e.Reason == "" {
		return "invalid amount"
	}
	return "invalid amount: " + e.Reason
}

type ErrInsufficientFunds struct {
	Reason string
}

func (e ErrInsufficientFunds) Error() string {
	if e.Reason == "" {
		return "insufficient funds"
	}
	return "insufficient funds: " + e.Reason
}

// ErrWouldUnderflow is returned by the store when applying a delta would
// drive a guarded balance negative. The service maps it to
// ErrInsufficientFunds at the operation boundary.
type ErrWouldUnderflow struct {
	Username string
}

func (e ErrWouldUnderflow) Error() string {
	return fmt.Sprintf("balance of %q would go negative", e.Username)
}

// ErrStoreUnavailable signals that the store transaction could not complete,
// e.g. connection loss or commit contention. It is the only error kind the
// service retries on its own.
type ErrStoreUnavailable struct {
	Err error
}

func (e ErrStoreUnavailable) Error() string {
	if e.Err == nil {
		return "store unavailable"
	}
	return "store unavailable: " + e.Err.Error()
}

func (e ErrStoreUnavailable) Unwrap() error {
	return e.Err
}

// StatusCode maps an operation error to its domain status code.
func StatusCode(err error) int {
	if err == nil {
		return StatusOK
	}
	var (
		dup  ErrDuplicateUsername
		usr  ErrInvalidUsername
		crd  ErrInvalidCredentials
		rcv  ErrInvalidReceiver
		amt  ErrInvalidAmount
		ins  ErrInsufficientFunds
		unfl ErrWouldUnderflow
	)
	switch {
	case errors.As(err, &dup), errors.As(err, &usr), errors.As(err, &rcv):
		return StatusInvalidUsername
	case errors.As(err, &crd):
		return StatusInvalidCredentials
	case errors.As(err, &ins), errors.As(err, &unfl):
		return StatusInsufficientFunds
	case errors.As(err, &amt):
		return StatusInvalidAmount
	}
	return 0
}
