package provider

import (
	"context"
	"errors"
)

var (
	// ErrInvalidToken means the provider rejected the credential itself.
	ErrInvalidToken = errors.New("provider rejected token")
	// ErrUnavailable marks transient network or provider-side failures.
	ErrUnavailable = errors.New("provider unavailable")
)

// Identity is the provider-side identity a credential resolves to.
type Identity struct {
	ID          int64
	Username    string
	DisplayName string
}

// Client is the capability set the core needs from the messaging provider.
// Every call takes the raw token; the client keeps no per-credential state,
// so one Client serves all bots. All calls involve network I/O.
type Client interface {
	Validate(ctx context.Context, token string) (Identity, error)
	SetWebhook(ctx context.Context, token, url string) error
	ClearWebhook(ctx context.Context, token string) error
	SendMessage(ctx context.Context, token string, chatID int64, text string) error
	AckCallback(ctx context.Context, token, callbackID, text string) error
}
