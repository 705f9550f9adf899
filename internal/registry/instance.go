package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/metrics"
	"botfleet/internal/provider"
	"botfleet/internal/storage"
)

// UpdateKind discriminates the inbound update shapes the core understands.
type UpdateKind string

const (
	UpdateSessionStart UpdateKind = "session_start"
	UpdateText         UpdateKind = "text"
	UpdateCallback     UpdateKind = "callback"
)

// Profile carries the provider-side end-user fields worth persisting.
type Profile struct {
	ID           int64
	FirstName    string
	LastName     string
	Username     string
	LanguageCode string
}

// Update is one parsed inbound event addressed to a bot.
type Update struct {
	Kind         UpdateKind
	UpdateID     int64
	Sender       Profile
	ChatID       int64
	Text         string
	CallbackID   string
	CallbackData string
}

type handlerFunc func(ctx context.Context, r *Runner) error

// botSettings is the part of the free-form settings blob the runtime reads.
type botSettings struct {
	WelcomeMessage string `json:"welcome_message"`
	ReplyPrefix    string `json:"reply_prefix"`
	CallbackAck    string `json:"callback_ack"`
}

// BotInstance is the in-memory runtime for one bot credential: a decrypted
// token, a handler per update kind, and the per-end-user mailboxes that
// serialize handling. It is owned exclusively by the Registry and never
// outlives the process.
type BotInstance struct {
	botID    int64
	userID   int64
	token    string
	username string
	settings botSettings

	store    Store
	provider provider.Client
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	handlers map[UpdateKind]handlerFunc
	mail     *mailboxGroup
}

func newInstance(bot storage.Bot, token string, deps instanceDeps) *BotInstance {
	var settings botSettings
	if strings.TrimSpace(bot.SettingsJSON) != "" {
		// A broken blob falls back to defaults rather than failing the bot.
		_ = json.Unmarshal([]byte(bot.SettingsJSON), &settings)
	}
	inst := &BotInstance{
		botID:    bot.ID,
		userID:   bot.UserID,
		token:    token,
		username: bot.Username,
		settings: settings,
		store:    deps.store,
		provider: deps.provider,
		logger:   deps.logger.With().Int64("bot_id", bot.ID).Logger(),
		metrics:  deps.metrics,
		mail:     newMailboxGroup(deps.mailboxIdle),
	}
	inst.handlers = map[UpdateKind]handlerFunc{
		UpdateSessionStart: inst.onSessionStart,
		UpdateText:         inst.onText,
		UpdateCallback:     inst.onCallback,
	}
	return inst
}

type instanceDeps struct {
	store       Store
	provider    provider.Client
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	mailboxIdle time.Duration
}

func (b *BotInstance) BotID() int64  { return b.botID }
func (b *BotInstance) UserID() int64 { return b.userID }

// Enqueue places run behind every update already queued for u's sender.
func (b *BotInstance) Enqueue(u Update, run func(context.Context)) error {
	return b.mail.Submit(u.Sender.ID, run)
}

// Handle runs the handler for u once. Callers that re-run on failure must
// hold one Runner across attempts so completed side effects are not
// repeated.
func (b *BotInstance) Handle(ctx context.Context, u Update) error {
	return b.NewRunner(u).Run(ctx)
}

// close drains the mailboxes, letting in-flight handlers finish.
func (b *BotInstance) close() {
	b.mail.Close()
}

// Runner carries one update through its handler. Side effects that already
// completed are remembered, so a re-run after a transient failure resumes
// at the failed step instead of appending interactions twice.
type Runner struct {
	inst     *BotInstance
	u        Update
	conv     storage.Conversation
	haveConv bool
	done     map[string]bool
}

func (b *BotInstance) NewRunner(u Update) *Runner {
	return &Runner{inst: b, u: u, done: map[string]bool{}}
}

func (r *Runner) Run(ctx context.Context) error {
	h, ok := r.inst.handlers[r.u.Kind]
	if !ok {
		return fmt.Errorf("no handler for update kind %q", r.u.Kind)
	}
	return h(ctx, r)
}

// step runs fn once per Runner lifetime; a step that already succeeded on
// an earlier attempt is skipped.
func (r *Runner) step(ctx context.Context, name string, fn func(context.Context) error) error {
	if r.done[name] {
		return nil
	}
	if err := fn(ctx); err != nil {
		return err
	}
	r.done[name] = true
	return nil
}

// ensureConversation upserts and caches the sender's conversation. For text
// and callback updates arriving before any session start this creates a
// minimal row on the fly; that is a protocol violation by the provider or a
// restart artifact, and is tolerated.
func (r *Runner) ensureConversation(ctx context.Context) error {
	if r.haveConv {
		return nil
	}
	conv, err := r.inst.store.UpsertConversation(ctx, storage.Conversation{
		BotID:             r.inst.botID,
		ExternalUserID:    r.u.Sender.ID,
		ChatID:            r.u.ChatID,
		FirstName:         r.u.Sender.FirstName,
		LastName:          r.u.Sender.LastName,
		Username:          r.u.Sender.Username,
		LanguageCode:      r.u.Sender.LanguageCode,
		Active:            true,
		LastInteractionAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	r.conv = conv
	r.haveConv = true
	return nil
}

func (b *BotInstance) onSessionStart(ctx context.Context, r *Runner) error {
	if err := r.ensureConversation(ctx); err != nil {
		return err
	}
	if err := r.step(ctx, "append_start", func(ctx context.Context) error {
		return b.store.AppendInteraction(ctx, storage.Interaction{
			ConversationID: r.conv.ID,
			Type:           storage.InteractionMessageReceived,
			Content:        "/start",
		})
	}); err != nil {
		return fmt.Errorf("append start interaction: %w", err)
	}

	welcome := b.settings.WelcomeMessage
	if welcome == "" {
		welcome = "Welcome! How can I help you today?"
	}
	if err := r.step(ctx, "send_welcome", func(ctx context.Context) error {
		if err := b.provider.SendMessage(ctx, b.token, r.u.ChatID, welcome); err != nil {
			return err
		}
		b.metrics.RepliesSent.Inc()
		return nil
	}); err != nil {
		return fmt.Errorf("send welcome: %w", err)
	}
	if err := r.step(ctx, "append_welcome", func(ctx context.Context) error {
		return b.store.AppendInteraction(ctx, storage.Interaction{
			ConversationID: r.conv.ID,
			Type:           storage.InteractionMessageSent,
			Content:        welcome,
		})
	}); err != nil {
		return fmt.Errorf("append welcome interaction: %w", err)
	}
	return nil
}

func (b *BotInstance) onText(ctx context.Context, r *Runner) error {
	if err := r.ensureConversation(ctx); err != nil {
		return err
	}
	if err := r.step(ctx, "append_text", func(ctx context.Context) error {
		return b.store.AppendInteraction(ctx, storage.Interaction{
			ConversationID: r.conv.ID,
			Type:           storage.InteractionMessageReceived,
			Content:        r.u.Text,
		})
	}); err != nil {
		return fmt.Errorf("append text interaction: %w", err)
	}

	prefix := b.settings.ReplyPrefix
	if prefix == "" {
		prefix = "You said: "
	}
	reply := prefix + r.u.Text
	if err := r.step(ctx, "send_reply", func(ctx context.Context) error {
		if err := b.provider.SendMessage(ctx, b.token, r.u.ChatID, reply); err != nil {
			return err
		}
		b.metrics.RepliesSent.Inc()
		return nil
	}); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	if err := r.step(ctx, "append_reply", func(ctx context.Context) error {
		return b.store.AppendInteraction(ctx, storage.Interaction{
			ConversationID: r.conv.ID,
			Type:           storage.InteractionMessageSent,
			Content:        reply,
		})
	}); err != nil {
		return fmt.Errorf("append reply interaction: %w", err)
	}
	return nil
}

func (b *BotInstance) onCallback(ctx context.Context, r *Runner) error {
	if err := r.ensureConversation(ctx); err != nil {
		return err
	}
	if err := r.step(ctx, "append_click", func(ctx context.Context) error {
		return b.store.AppendInteraction(ctx, storage.Interaction{
			ConversationID: r.conv.ID,
			Type:           storage.InteractionButtonClicked,
			Content:        r.u.CallbackData,
		})
	}); err != nil {
		return fmt.Errorf("append callback interaction: %w", err)
	}

	ack := b.settings.CallbackAck
	if ack == "" {
		ack = "Got it"
	}
	// Callback acks expire provider-side within seconds; failure here is
	// cosmetic (a stale spinner), not a lost interaction.
	if err := b.provider.AckCallback(ctx, b.token, r.u.CallbackID, ack); err != nil {
		b.logger.Warn().Err(err).Str("callback_id", r.u.CallbackID).Msg("failed to ack callback")
	}
	return nil
}
