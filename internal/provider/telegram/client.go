package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"botfleet/internal/provider"
)

type Config struct {
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	// APIURL overrides the Bot API base URL; empty means api.telegram.org.
	APIURL string
}

// Client implements provider.Client against the Telegram Bot API. A fresh
// gotgbot.Bot is built per call from the supplied token; the token check is
// disabled so construction stays local and Validate is the only identity
// round-trip.
type Client struct {
	cfg Config
}

var _ provider.Client = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

func (c *Client) Validate(ctx context.Context, token string) (provider.Identity, error) {
	var ident provider.Identity
	err := c.withRetry(ctx, func() error {
		b, err := c.bot(token)
		if err != nil {
			return err
		}
		me, err := b.GetMeWithContext(ctx, nil)
		if err != nil {
			return classify(err)
		}
		ident = provider.Identity{
			ID:          me.Id,
			Username:    me.Username,
			DisplayName: me.FirstName,
		}
		return nil
	})
	return ident, err
}

func (c *Client) SetWebhook(ctx context.Context, token, url string) error {
	return c.withRetry(ctx, func() error {
		b, err := c.bot(token)
		if err != nil {
			return err
		}
		if _, err := b.SetWebhookWithContext(ctx, url, &gotgbot.SetWebhookOpts{
			DropPendingUpdates: false,
		}); err != nil {
			return classify(err)
		}
		return nil
	})
}

func (c *Client) ClearWebhook(ctx context.Context, token string) error {
	return c.withRetry(ctx, func() error {
		b, err := c.bot(token)
		if err != nil {
			return err
		}
		if _, err := b.DeleteWebhookWithContext(ctx, &gotgbot.DeleteWebhookOpts{}); err != nil {
			return classify(err)
		}
		return nil
	})
}

func (c *Client) SendMessage(ctx context.Context, token string, chatID int64, text string) error {
	return c.withRetry(ctx, func() error {
		b, err := c.bot(token)
		if err != nil {
			return err
		}
		if _, err := b.SendMessageWithContext(ctx, chatID, text, nil); err != nil {
			return classify(err)
		}
		return nil
	})
}

func (c *Client) AckCallback(ctx context.Context, token, callbackID, text string) error {
	return c.withRetry(ctx, func() error {
		b, err := c.bot(token)
		if err != nil {
			return err
		}
		if _, err := b.AnswerCallbackQueryWithContext(ctx, callbackID, &gotgbot.AnswerCallbackQueryOpts{
			Text: text,
		}); err != nil {
			return classify(err)
		}
		return nil
	})
}

func (c *Client) bot(token string) (*gotgbot.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: empty token", provider.ErrInvalidToken)
	}
	b, err := gotgbot.NewBot(token, &gotgbot.BotOpts{
		BotClient: &gotgbot.BaseBotClient{
			Client: *c.cfg.HTTPClient,
			DefaultRequestOpts: &gotgbot.RequestOpts{
				Timeout: c.cfg.HTTPClient.Timeout,
				APIURL:  c.cfg.APIURL,
			},
		},
		DisableTokenCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrInvalidToken, err)
	}
	return b, nil
}

// withRetry repeats fn with exponential backoff while the failure looks
// transient. Invalid-token and other permanent errors return immediately.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, provider.ErrUnavailable) || attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", provider.ErrUnavailable, ctx.Err())
		case <-time.After(c.cfg.BackoffBase * time.Duration(1<<attempt)):
		}
	}
	return lastErr
}

// classify maps a Bot API failure onto the provider error taxonomy.
// 401/404 mean the token is dead; 429 and server-side codes are transient,
// as is any transport-level failure.
func classify(err error) error {
	var tgErr *gotgbot.TelegramError
	if errors.As(err, &tgErr) {
		switch {
		case tgErr.Code == 401 || tgErr.Code == 404:
			return fmt.Errorf("%w: %s", provider.ErrInvalidToken, tgErr.Description)
		case tgErr.Code == 429 || tgErr.Code >= 500:
			return fmt.Errorf("%w: %s", provider.ErrUnavailable, tgErr.Description)
		default:
			return fmt.Errorf("telegram api: %s", tgErr.Description)
		}
	}
	return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
}
