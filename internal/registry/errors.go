package registry

import "errors"

var (
	// ErrNotFound: operation referenced a bot id with no durable record.
	ErrNotFound = errors.New("bot not found")
	// ErrInvalidCredential: the provider rejected the supplied or stored
	// token, or validation could not complete. User-correctable.
	ErrInvalidCredential = errors.New("invalid bot credential")
	// ErrDuplicateCredential: the credential already backs another bot.
	ErrDuplicateCredential = errors.New("credential already registered")
	// ErrInactive: resolve hit a bot that is deliberately stopped.
	ErrInactive = errors.New("bot is not active")
)
