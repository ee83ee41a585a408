package model

import "errors"

var (
	// ErrIdentityNotFound means a username could not be resolved to an identity.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrRankNotFound means the permission backend has no group for the rank.
	ErrRankNotFound = errors.New("rank not found")
	// ErrBackendUnavailable covers ledger, permission backend and relay I/O failures.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrInvalidSignature is returned when a webhook signature does not match.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMalformedCommand is returned for relay messages that cannot be parsed.
	ErrMalformedCommand = errors.New("malformed command")
	// ErrMalformedWebhookPayload is returned for webhook bodies that fail to decode or validate.
	ErrMalformedWebhookPayload = errors.New("malformed webhook payload")

	// ErrNotFound is returned by the ledger when no record exists for a key.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when a conditional status transition finds a different current status.
	ErrStatusConflict = errors.New("status conflict")
)

// ErrorCode maps a domain error onto the short code carried over the command relay.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrIdentityNotFound):
		return "identity_not_found"
	case errors.Is(err, ErrRankNotFound):
		return "rank_not_found"
	case errors.Is(err, ErrMalformedCommand):
		return "malformed_command"
	default:
		return "backend_unavailable"
	}
}

// ErrorFromCode is the inverse of ErrorCode. Unknown codes map to ErrBackendUnavailable.
func ErrorFromCode(code string) error {
	switch code {
	case "ok":
		return nil
	case "identity_not_found":
		return ErrIdentityNotFound
	case "rank_not_found":
		return ErrRankNotFound
	case "malformed_command":
		return ErrMalformedCommand
	default:
		return ErrBackendUnavailable
	}
}
