package errors

import "errors"

// Sentinel errors returned by services and mapped to HTTP status codes in
// the API layer.
var (
	ErrAlreadyQueued      = errors.New("user already has an active ticket")
	ErrNoSuchTicket       = errors.New("ticket not found")
	ErrAlreadyMatched     = errors.New("ticket already matched")
	ErrPairingNotFound    = errors.New("pairing not found")
	ErrPairingClosed      = errors.New("pairing already ended")
	ErrNotParticipant     = errors.New("user is not a pairing participant")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrBackendUnavailable = errors.New("session backend unavailable")
	ErrUnauthorized       = errors.New("unauthorized")
)
