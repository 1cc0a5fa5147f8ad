package transport

import (
	"context"
	"errors"
)

// Connectivity-class errors. A failure wrapping any of these is transient:
// the connection (or a downstream provider) is unavailable, not the message.
var (
	ErrNotReady        = errors.New("transport not ready")
	ErrNeedsQR         = errors.New("transport needs QR pairing")
	ErrReadyTimeout    = errors.New("timed out waiting for transport")
	ErrSessionConflict = errors.New("transport session replaced")
	ErrUnavailable     = errors.New("delivery provider unavailable")
)

// Recipient-class errors. These are terminal for the message they concern.
var (
	ErrInvalidRecipient       = errors.New("invalid recipient")
	ErrRecipientNotRegistered = errors.New("recipient not registered on whatsapp")
)

// IsConnectivity reports whether err should be retried later without
// counting against a message's retry budget.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotReady) ||
		errors.Is(err, ErrNeedsQR) ||
		errors.Is(err, ErrReadyTimeout) ||
		errors.Is(err, ErrSessionConflict) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsRecipient reports whether err is a recipient-class failure.
func IsRecipient(err error) bool {
	return errors.Is(err, ErrInvalidRecipient) || errors.Is(err, ErrRecipientNotRegistered)
}
